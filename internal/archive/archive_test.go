package archive

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/transcribe"
)

// memStore is an in-memory Store that records every write.
type memStore struct {
	mu      sync.Mutex
	entries []Entry
	writes  int
	err     error
	written chan struct{}

	// When block is set, every write first signals entered and then waits
	// for block to be closed.
	block   chan struct{}
	entered chan struct{}
}

func newMemStore() *memStore {
	return &memStore{written: make(chan struct{}, 64)}
}

func (s *memStore) WriteEntries(_ context.Context, entries []Entry) error {
	if s.block != nil {
		s.entered <- struct{}{}
		<-s.block
	}
	s.mu.Lock()
	s.writes++
	err := s.err
	if err == nil {
		s.entries = append(s.entries, entries...)
	}
	s.mu.Unlock()
	select {
	case s.written <- struct{}{}:
	default:
	}
	return err
}

func (s *memStore) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []Entry
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) Search(_ context.Context, query string, opts SearchOpts) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []Entry
	for _, e := range s.entries {
		if !strings.Contains(e.Text, query) {
			continue
		}
		if opts.SessionID != "" && e.SessionID != opts.SessionID {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) snapshot() ([]Entry, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, s.writes
}

func TestFromResult(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	modelErr := fmt.Errorf("%w: model exploded", transcribe.ErrTranscriptionFailed)

	tests := []struct {
		name string
		res  transcribe.Result
		want []Entry
	}{
		{
			name: "lines",
			res: transcribe.Result{
				Seq:     4,
				Session: "s1",
				Lines:   []string{"おはよう", "ございます"},
				Audio:   2 * time.Second,
				Latency: 300 * time.Millisecond,
			},
			want: []Entry{
				{SessionID: "s1", Seq: 4, Line: 0, Text: "おはよう", Audio: 2 * time.Second, Latency: 300 * time.Millisecond, Timestamp: at},
				{SessionID: "s1", Seq: 4, Line: 1, Text: "ございます", Audio: 2 * time.Second, Latency: 300 * time.Millisecond, Timestamp: at},
			},
		},
		{
			name: "failure",
			res:  transcribe.Result{Seq: 5, Session: "s1", Err: modelErr},
			want: []Entry{
				{SessionID: "s1", Seq: 5, Text: modelErr.Error(), Failed: true, Timestamp: at},
			},
		},
		{
			name: "no speech",
			res:  transcribe.Result{Seq: 6, Session: "s1"},
			want: []Entry{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromResult(tt.res, at)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("entry %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}
