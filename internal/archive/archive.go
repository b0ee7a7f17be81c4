// Package archive keeps a queryable record of transcript lines.
//
// The transcription dispatcher reports every finished segment through its
// result hook; a [Recorder] turns each result into [Entry] rows and writes
// them to a [Store] in batches on its own goroutine, so a slow database never
// holds back transcript output. [Postgres] is the production store; the HTTP
// [Handler] serves the archive at /transcripts.
//
// Only text is stored. Captured audio never leaves the process.
package archive

import (
	"context"
	"time"

	"github.com/MrWong99/earshot/internal/transcribe"
)

// Entry is one archived transcript line, or one failure notice.
type Entry struct {
	// SessionID identifies the listening session the audio came from.
	SessionID string `json:"session_id"`

	// Seq is the dispatcher sequence number of the segment.
	Seq uint64 `json:"seq"`

	// Line is the position of Text within the segment's output, from 0.
	Line int `json:"line"`

	// Text is the transcript line, or the error message when Failed is set.
	Text string `json:"text"`

	// Failed marks a segment whose transcription failed.
	Failed bool `json:"failed,omitempty"`

	// Audio is the length of the segment's audio.
	Audio time.Duration `json:"audio_ns"`

	// Latency is the time from submission to completion.
	Latency time.Duration `json:"latency_ns"`

	// Timestamp is when the result was released.
	Timestamp time.Time `json:"timestamp"`
}

// SearchOpts narrows a [Store.Search].
type SearchOpts struct {
	// SessionID restricts results to one session. Empty searches all.
	SessionID string

	// After and Before bound the timestamp (exclusive). Zero values are
	// ignored.
	After  time.Time
	Before time.Time

	// Limit caps the number of entries. Zero means no limit.
	Limit int
}

// Store persists and queries entries. Implementations must be safe for
// concurrent use and must not retain the entries slice passed to
// WriteEntries.
type Store interface {
	// WriteEntries appends entries in order.
	WriteEntries(ctx context.Context, entries []Entry) error

	// Recent returns up to limit of the latest entries of sessionID, oldest
	// first. A limit of zero returns all of them.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// Search returns entries whose text contains query, oldest first.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Entry, error)
}

// FromResult converts a released dispatcher result into entries stamped with
// at. A failed result yields a single Failed entry; a result without lines
// yields none.
func FromResult(res transcribe.Result, at time.Time) []Entry {
	base := Entry{
		SessionID: res.Session,
		Seq:       res.Seq,
		Audio:     res.Audio,
		Latency:   res.Latency,
		Timestamp: at,
	}
	if res.Err != nil {
		e := base
		e.Text = res.Err.Error()
		e.Failed = true
		return []Entry{e}
	}
	entries := make([]Entry, 0, len(res.Lines))
	for i, line := range res.Lines {
		e := base
		e.Line = i
		e.Text = line
		entries = append(entries, e)
	}
	return entries
}
