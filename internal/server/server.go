package server

// Thin HTTP layer: request/response marshaling only. All pipeline behavior
// lives in internal/generate; handlers decode, delegate, trace, encode.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/forgeworks/scaffold-agent/internal/auditlog"
	"github.com/forgeworks/scaffold-agent/internal/generate"
)

const maxRequestBytes = 16 << 20 // generous: overlay requests carry base trees

type Options struct {
	Logger  *slog.Logger
	Addr    string
	Service *generate.Service
	// Trace is optional; a nil store disables request tracing.
	Trace   *auditlog.Store
	Version string
}

type Server struct {
	log     *slog.Logger
	addr    string
	svc     *generate.Service
	trace   *auditlog.Store
	version string

	srv *http.Server
	ln  net.Listener
}

func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("missing Service")
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = "127.0.0.1:8700"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{
		log:     logger,
		addr:    addr,
		svc:     opts.Service,
		trace:   opts.Trace,
		version: strings.TrimSpace(opts.Version),
	}, nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/generate", s.handleGenerate)
	mux.HandleFunc("/api/generate/stream", s.handleStream)
	mux.HandleFunc("/api/generate/questions", s.handleQuestions)
	mux.HandleFunc("/api/generate/overlay", s.handleOverlay)
	mux.HandleFunc("/api/trace", s.handleTrace)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server stopped", "component", "server", "error", err)
		}
	}()

	s.log.Info("listening", "component", "server", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.srv = nil
	s.ln = nil
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (generate.Request, bool) {
	var req generate.Request
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return req, false
	}
	body := io.LimitReader(r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) audit(action string, req generate.Request, res *generate.Result, start time.Time, err error) {
	if s.trace == nil {
		return
	}
	e := auditlog.Entry{
		Action:     action,
		AppName:    req.ProjectName(),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Status = "failure"
		e.Error = err.Error()
	} else if res != nil {
		e.Files = len(res.Files)
		e.Warnings = len(res.Metadata.Warnings)
		e.Repairs = len(res.Metadata.Repairs)
		e.FollowupsOut = len(res.Followups)
		switch {
		case res.Metadata.Validation == nil:
			e.Validation = "skipped"
		case res.Metadata.Validation.Passed():
			e.Validation = "ok"
		default:
			e.Validation = "failed"
		}
	}
	s.trace.Append(e)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	start := time.Now()
	res, err := s.svc.Generate(r.Context(), req)
	s.audit("generate", req, res, start, err)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	start := time.Now()
	res, err := s.svc.Stream(r.Context(), req, w)
	s.audit("generate_stream", req, res, start, err)
	if err != nil {
		// Headers are already out; the failure was named on the stream.
		s.log.Warn("stream ended with error", "component", "server", "error", err)
	}
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	start := time.Now()
	items, err := s.svc.Questions(r.Context(), req)
	if s.trace != nil {
		e := auditlog.Entry{Action: "questions", AppName: req.ProjectName(), DurationMS: time.Since(start).Milliseconds(), FollowupsOut: len(items)}
		if err != nil {
			e.Status = "failure"
			e.Error = err.Error()
		}
		s.trace.Append(e)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"followups": items})
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	if !req.Overlay() {
		http.Error(w, "overlay request requires base_files", http.StatusBadRequest)
		return
	}
	start := time.Now()
	res, err := s.svc.Generate(r.Context(), req)
	s.audit("overlay", req, res, start, err)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.trace == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []auditlog.Entry{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.trace.List(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": s.version})
}
