package generate

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/forgeworks/scaffold-agent/internal/depres"
	"github.com/forgeworks/scaffold-agent/internal/followup"
	"github.com/forgeworks/scaffold-agent/internal/scaffold"
	"github.com/forgeworks/scaffold-agent/internal/validate"
)

const (
	EventFollowups    = "followups"
	EventFileStart    = "file_start"
	EventFileChunk    = "file_chunk"
	EventFileComplete = "file_complete"
	EventWarning      = "warning"
	EventDependency   = "dependency"
	EventValidation   = "validation"
	EventRepair       = "repair"
	EventDone         = "done"

	// DefaultStreamChunkBytes bounds one file_chunk payload slice.
	DefaultStreamChunkBytes = 1024
)

// Event is one newline-delimited stream record.
type Event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// EventWriter emits NDJSON events. Writes are serialized; each event is
// flushed immediately so consumers see progress as it happens.
type EventWriter struct {
	mu         sync.Mutex
	w          *bufio.Writer
	enc        *json.Encoder
	flush      func() error
	chunkBytes int
}

func NewEventWriter(w io.Writer, chunkBytes int) *EventWriter {
	if chunkBytes <= 0 {
		chunkBytes = DefaultStreamChunkBytes
	}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	flush := bw.Flush
	if f, ok := w.(interface{ Flush() }); ok {
		flush = func() error {
			if err := bw.Flush(); err != nil {
				return err
			}
			f.Flush()
			return nil
		}
	}
	return &EventWriter{w: bw, enc: enc, flush: flush, chunkBytes: chunkBytes}
}

func (e *EventWriter) emit(event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(Event{Event: event, Payload: payload}); err != nil {
		return err
	}
	return e.flush()
}

func (e *EventWriter) Followups(items []followup.Item) error {
	return e.emit(EventFollowups, map[string]any{"followups": items})
}

// File emits the ordered triad for one produced file: start, bounded content
// chunks with a final flag, and completion with the total byte size.
func (e *EventWriter) File(rec scaffold.FileRecord) error {
	if err := e.emit(EventFileStart, map[string]any{"path": rec.Path}); err != nil {
		return err
	}
	content := rec.Content
	for start := 0; ; start += e.chunkBytes {
		end := start + e.chunkBytes
		final := end >= len(content)
		if final {
			end = len(content)
		}
		err := e.emit(EventFileChunk, map[string]any{
			"path":    rec.Path,
			"content": content[start:end],
			"final":   final,
		})
		if err != nil {
			return err
		}
		if final {
			break
		}
	}
	return e.emit(EventFileComplete, map[string]any{"path": rec.Path, "size": len(rec.Content)})
}

func (e *EventWriter) Warning(msg string) error {
	return e.emit(EventWarning, map[string]any{"message": msg})
}

func (e *EventWriter) Dependency(entry depres.Resolved) error {
	return e.emit(EventDependency, entry)
}

func (e *EventWriter) Validation(report validate.Report) error {
	return e.emit(EventValidation, report)
}

func (e *EventWriter) Repair(round validate.Round) error {
	return e.emit(EventRepair, round)
}

func (e *EventWriter) Done(totalFiles int) error {
	return e.emit(EventDone, map[string]any{"files_count": totalFiles})
}
