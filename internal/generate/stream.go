package generate

import (
	"context"
	"io"
)

// Stream runs the same pipeline as Generate but emits NDJSON progress events
// to w instead of returning one object. A gate-blocked request emits a
// single followups event and terminates; a successful run always ends with
// a done event carrying the total file count.
//
// The returned Result mirrors what a non-streaming caller would have
// received, for tracing.
func (s *Service) Stream(ctx context.Context, req Request, w io.Writer) (*Result, error) {
	ew := NewEventWriter(w, s.chunkBytes)
	res, err := s.run(ctx, req, ew)
	if err != nil {
		// Best-effort: name the failure on the stream before giving up.
		_ = ew.Warning(err.Error())
		return nil, err
	}
	return res, nil
}
