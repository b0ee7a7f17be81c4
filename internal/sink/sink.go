// Package sink delivers transcript and status lines to their consumers.
//
// Every implementation is safe for concurrent use and writes each line in one
// piece, so lines from concurrent transcription jobs never interleave.
package sink

import (
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Sink receives complete lines of output.
type Sink interface {
	// WriteLine emits text as one line. Implementations append the line
	// terminator themselves; text should not contain one.
	WriteLine(text string)
}

// Func adapts an ordinary function to the Sink interface.
type Func func(text string)

// WriteLine implements Sink.
func (f Func) WriteLine(text string) { f(text) }

// Discard is a Sink that drops every line.
var Discard Sink = Func(func(string) {})

// ─── Writer ───────────────────────────────────────────────────────────────────

// Writer serialises lines onto an io.Writer (typically os.Stdout).
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	errOnce sync.Once
	lastErr error
}

// NewWriter returns a Writer that emits to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteLine implements Sink. Embedded newlines are flattened to spaces so the
// consumer always sees exactly one line per call. Write errors are logged
// once and otherwise ignored.
func (s *Writer) WriteLine(text string) {
	line := flatten(text) + "\n"
	s.mu.Lock()
	_, err := io.WriteString(s.w, line)
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
	if err != nil {
		s.errOnce.Do(func() {
			slog.Warn("sink: write failed, further errors suppressed", "err", err)
		})
	}
}

// Err returns the most recent write error, if any.
func (s *Writer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func flatten(text string) string {
	if !strings.ContainsAny(text, "\r\n") {
		return text
	}
	return strings.Join(strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == '\r' }), " ")
}

// ─── Fanout ───────────────────────────────────────────────────────────────────

// Fanout duplicates every line to several sinks in registration order.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewFanout returns a Fanout over sinks. Nil entries are skipped.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		f.Add(s)
	}
	return f
}

// Add registers another sink.
func (f *Fanout) Add(s Sink) {
	if s == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// WriteLine implements Sink.
func (f *Fanout) WriteLine(text string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sinks {
		s.WriteLine(text)
	}
}

// ─── Memory ───────────────────────────────────────────────────────────────────

// Memory records lines in order. It backs tests and the readiness endpoint.
type Memory struct {
	mu     sync.Mutex
	lines  []string
	notify chan struct{}
}

// NewMemory returns an empty Memory sink.
func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{}, 1)}
}

// WriteLine implements Sink.
func (m *Memory) WriteLine(text string) {
	m.mu.Lock()
	m.lines = append(m.lines, text)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Lines returns a copy of every line written so far.
func (m *Memory) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.lines))
	copy(out, m.lines)
	return out
}

// Len returns the number of lines written so far.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lines)
}

// Written delivers a value (coalesced) after each WriteLine.
func (m *Memory) Written() <-chan struct{} { return m.notify }
