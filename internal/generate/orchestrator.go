package generate

// Generation Orchestrator: the top-level state machine for one request.
// Gate -> generation calls (single, chunked, or overlay) -> merge ->
// dependency pinning -> optional validate/repair -> response assembly.
//
// Failure policy: a single chunk call that exhausts its retries degrades to
// a warning as long as any call produced files. Only total generation
// failure is fatal. Everything downstream of generation (resolution,
// validation) degrades to warnings, never errors.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forgeworks/scaffold-agent/internal/depres"
	"github.com/forgeworks/scaffold-agent/internal/followup"
	"github.com/forgeworks/scaffold-agent/internal/llm"
	"github.com/forgeworks/scaffold-agent/internal/retry"
	"github.com/forgeworks/scaffold-agent/internal/scaffold"
	"github.com/forgeworks/scaffold-agent/internal/validate"
)

// DefaultChunkSize is the number of units sent in one generation call.
const DefaultChunkSize = 10

// ErrGenerationFailed marks total generation failure after all retries.
var ErrGenerationFailed = errors.New("generation produced no files")

type Options struct {
	Logger   *slog.Logger
	Invoker  llm.Invoker
	Gate     *followup.Gate
	Resolver *depres.Resolver

	// Validator/Repairer are optional; without them validation is skipped.
	Validator      validate.TreeValidator
	Repairer       validate.TreeRepairer
	RepairAttempts int

	ChunkSize        int
	MaxQuestions     int
	StreamChunkBytes int
	Policy           retry.Policy
}

type Service struct {
	log            *slog.Logger
	invoker        llm.Invoker
	gate           *followup.Gate
	resolver       *depres.Resolver
	validator      validate.TreeValidator
	repairer       validate.TreeRepairer
	repairAttempts int
	chunkSize      int
	maxQuestions   int
	chunkBytes     int
	policy         retry.Policy
}

func NewService(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunkBytes := opts.StreamChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = DefaultStreamChunkBytes
	}
	return &Service{
		log:            log,
		invoker:        opts.Invoker,
		gate:           opts.Gate,
		resolver:       opts.Resolver,
		validator:      opts.Validator,
		repairer:       opts.Repairer,
		repairAttempts: opts.RepairAttempts,
		chunkSize:      chunkSize,
		maxQuestions:   opts.MaxQuestions,
		chunkBytes:     chunkBytes,
		policy:         opts.Policy,
	}
}

// Generate runs the full pipeline and returns one assembled result.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	return s.run(ctx, req, nil)
}

// Questions runs only the Followup Gate, for callers that want clarifying
// questions without generating anything.
func (s *Service) Questions(ctx context.Context, req Request) ([]followup.Item, error) {
	d, err := s.gate.Decide(ctx, s.gateRequirements(req), req.History, followup.Options{
		MaxQuestions: s.questionBudget(req),
		Explicit:     true,
	})
	if err != nil {
		return nil, err
	}
	return d.Followups, nil
}

// generationReply is the expected model shape for every generation call.
type generationReply struct {
	ProjectName     string                `json:"project_name"`
	Files           []scaffold.FileRecord `json:"files"`
	NewDependencies []string              `json:"new_dependencies"`
}

func (s *Service) run(ctx context.Context, req Request, ew *EventWriter) (*Result, error) {
	start := time.Now()
	sess := newSession()
	policy := s.policyFor(req)

	log := s.log.With("component", "generate", "session_id", sess.id, "project", req.ProjectName())
	log.Info("generation started", "overlay", req.Overlay(), "units", len(req.Units))

	if !req.SkipGate {
		decision, err := s.gate.Decide(ctx, s.gateRequirements(req), req.History, followup.Options{
			MaxQuestions: s.questionBudget(req),
			Explicit:     req.ExplicitQuestions > 0,
		})
		if err != nil {
			return nil, err
		}
		// Gate-blocked is a terminal success, not a failure. Once any
		// answer has been supplied this round, generation proceeds.
		if !decision.Proceed && !req.History.HasAnswers() {
			log.Info("gate declined, returning followups", "followups", len(decision.Followups))
			if ew != nil {
				if err := ew.Followups(decision.Followups); err != nil {
					return nil, err
				}
			}
			return &Result{
				ProjectName: req.ProjectName(),
				Files:       []scaffold.FileRecord{},
				Metadata:    Metadata{Warnings: []string{}, DurationMS: time.Since(start).Milliseconds()},
				Followups:   decision.Followups,
			}, nil
		}
	}

	res := &Result{ProjectName: req.ProjectName()}

	switch {
	case req.Overlay():
		if err := s.runOverlay(ctx, req, sess, policy, res, ew); err != nil {
			return nil, err
		}
	case len(req.Units) > 0:
		if err := s.runChunked(ctx, req, sess, policy, ew); err != nil {
			return nil, err
		}
	default:
		if err := s.runSingleShot(ctx, req, sess, policy, ew); err != nil {
			return nil, err
		}
	}

	meta := Metadata{Warnings: []string{}}

	if req.Overlay() {
		if len(res.NewDependencies) > 0 && s.resolver != nil {
			reqs := make([]depres.Request, 0, len(res.NewDependencies))
			for _, name := range res.NewDependencies {
				reqs = append(reqs, depres.Request{Name: name})
			}
			meta.Dependencies = s.resolver.ResolvePinned(ctx, reqs)
		}
	} else {
		var report depres.ManifestReport
		if s.resolver != nil {
			var err error
			report, err = s.resolver.ApplyToManifest(ctx, sess.files)
			if err != nil {
				sess.warn("dependency pinning skipped: " + err.Error())
			} else {
				meta.Dependencies = report.Result
			}
		}
		if ew != nil {
			// The manifest was held back during file emission. Stream it now,
			// whether or not pinning rewrote it, so every produced file gets
			// its triad.
			if path := heldManifestPath(sess.files, report.ManifestPath); path != "" {
				content, _ := sess.files.Get(path)
				if err := ew.File(scaffold.FileRecord{Path: path, Content: content}); err != nil {
					return nil, err
				}
			}
		}
	}
	if ew != nil {
		for _, entry := range meta.Dependencies.Resolved {
			if err := ew.Dependency(entry); err != nil {
				return nil, err
			}
		}
	}

	if req.Validate && s.validator != nil && !req.Overlay() {
		loop := validate.Loop{
			Validator: s.validator,
			Repairer:  s.repairer,
			Attempts:  s.repairAttempts,
			Logger:    s.log,
		}
		report, rounds, err := loop.Run(ctx, sess.files)
		if err != nil {
			sess.warn("validation skipped: " + err.Error())
		} else {
			meta.Validation = &report
			meta.Repairs = rounds
			if ew != nil {
				for _, round := range rounds {
					if err := ew.Repair(round); err != nil {
						return nil, err
					}
				}
				if err := ew.Validation(report); err != nil {
					return nil, err
				}
			}
		}
	}

	meta.Warnings = append(meta.Warnings, sess.warnings...)
	meta.DurationMS = time.Since(start).Milliseconds()

	res.Files = sess.files.Records()
	if res.Files == nil {
		res.Files = []scaffold.FileRecord{}
	}
	res.Metadata = meta

	if ew != nil {
		if err := ew.Done(len(res.Files)); err != nil {
			return nil, err
		}
	}
	log.Info("generation finished",
		"files", len(res.Files),
		"warnings", len(meta.Warnings),
		"duration_ms", meta.DurationMS)
	return res, nil
}

func (s *Service) runSingleShot(ctx context.Context, req Request, sess *session, policy retry.Policy, ew *EventWriter) error {
	reply, err := s.invokeGeneration(ctx, buildFullInstruction(req), policy)
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}
	return s.mergeAndEmit(sess, reply.Files, ew, true)
}

func (s *Service) runChunked(ctx context.Context, req Request, sess *session, policy retry.Policy, ew *EventWriter) error {
	batches := batchUnits(req.Units, s.chunkSize)
	failures := 0
	for i, batch := range batches {
		reply, err := s.invokeGeneration(ctx, buildChunkInstruction(req, batch, i+1, len(batches)), policy)
		if err != nil {
			failures++
			sess.warn(fmt.Sprintf("generation chunk %d/%d failed: %v", i+1, len(batches), err))
			if ew != nil {
				if werr := ew.Warning(sess.warnings[len(sess.warnings)-1]); werr != nil {
					return werr
				}
			}
			continue
		}
		if err := s.mergeAndEmit(sess, reply.Files, ew, true); err != nil {
			return err
		}
	}

	// One trailing call for project-level scaffolding (entry point, build
	// config, manifest).
	reply, err := s.invokeGeneration(ctx, buildScaffoldInstruction(req), policy)
	if err != nil {
		failures++
		sess.warn("scaffolding call failed: " + err.Error())
		if ew != nil {
			if werr := ew.Warning(sess.warnings[len(sess.warnings)-1]); werr != nil {
				return werr
			}
		}
	} else {
		if err := s.mergeAndEmit(sess, reply.Files, ew, true); err != nil {
			return err
		}
	}

	if sess.files.Len() == 0 && failures > 0 {
		return fmt.Errorf("%w: all %d generation calls failed", ErrGenerationFailed, failures)
	}
	return nil
}

func (s *Service) runOverlay(ctx context.Context, req Request, sess *session, policy retry.Policy, res *Result, ew *EventWriter) error {
	base := scaffold.NewFileSet()
	base.Merge(req.BaseFiles)

	reply, err := s.invokeGeneration(ctx, buildOverlayInstruction(req, base), policy)
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	delta := scaffold.OverlayDelta(base, reply.Files)
	if err := s.mergeAndEmit(sess, delta, ew, false); err != nil {
		return err
	}

	seen := map[string]struct{}{}
	for _, name := range reply.NewDependencies {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		res.NewDependencies = append(res.NewDependencies, name)
	}
	return nil
}

// mergeAndEmit folds a batch of model files into the session and streams the
// accepted ones. The manifest is held back when holdManifest is set; it is
// emitted after dependency pinning rewrites it.
func (s *Service) mergeAndEmit(sess *session, records []scaffold.FileRecord, ew *EventWriter, holdManifest bool) error {
	merged := sess.files.Merge(records)
	for _, w := range merged.Warnings {
		sess.warn(w)
		if ew != nil {
			if err := ew.Warning(w); err != nil {
				return err
			}
		}
	}
	if ew == nil {
		return nil
	}
	for _, rec := range records {
		p := scaffold.NormalizePath(rec.Path)
		if p == "" || scaffold.IsBinaryPath(p) {
			continue
		}
		if holdManifest && scaffold.IsManifestPath(p) {
			continue
		}
		if err := ew.File(scaffold.FileRecord{Path: p, Content: rec.Content}); err != nil {
			return err
		}
	}
	return nil
}

// heldManifestPath locates the manifest withheld from streaming, preferring
// the path dependency pinning reported.
func heldManifestPath(files *scaffold.FileSet, reported string) string {
	if reported != "" && files.Has(reported) {
		return reported
	}
	if files.Has(scaffold.ManifestFileName) {
		return scaffold.ManifestFileName
	}
	for _, p := range files.Paths() {
		if scaffold.IsManifestPath(p) {
			return p
		}
	}
	return ""
}

func (s *Service) invokeGeneration(ctx context.Context, instruction string, policy retry.Policy) (generationReply, error) {
	var reply generationReply
	err := s.invoker.Invoke(ctx, instruction, &reply, policy)
	return reply, err
}

func (s *Service) policyFor(req Request) retry.Policy {
	p := s.policy
	if req.LLMRetries != nil && *req.LLMRetries >= 0 {
		p.Attempts = *req.LLMRetries
	}
	if req.LLMTimeoutSeconds != nil && *req.LLMTimeoutSeconds > 0 {
		p.Timeout = time.Duration(*req.LLMTimeoutSeconds) * time.Second
	}
	return p
}

func (s *Service) questionBudget(req Request) int {
	if req.ExplicitQuestions > 0 {
		return req.ExplicitQuestions
	}
	return s.maxQuestions
}

func (s *Service) gateRequirements(req Request) map[string]any {
	out := map[string]any{
		"app_name":    req.ProjectName(),
		"description": req.Description,
	}
	for k, v := range req.Requirements {
		out[k] = v
	}
	if len(req.Units) > 0 {
		out["units"] = req.Units
	}
	return out
}

func batchUnits(units []string, size int) [][]string {
	var clean []string
	for _, u := range units {
		if u = strings.TrimSpace(u); u != "" {
			clean = append(clean, u)
		}
	}
	var out [][]string
	for start := 0; start < len(clean); start += size {
		end := start + size
		if end > len(clean) {
			end = len(clean)
		}
		out = append(out, clean[start:end])
	}
	return out
}

func requirementsJSON(req Request) []byte {
	payload := map[string]any{
		"app_name":     req.ProjectName(),
		"description":  req.Description,
		"requirements": req.Requirements,
		"answers":      req.History.Answers,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

const replyShapeNote = `Return JSON exactly like {"project_name":"...","files":[{"path":"src/App.tsx","content":"..."}]}. Paths are relative, content is complete file text. Respond only with valid JSON of that shape.`

func buildFullInstruction(req Request) string {
	var sb strings.Builder
	sb.WriteString("Generate a complete, runnable web application scaffold for this request:\n")
	sb.Write(requirementsJSON(req))
	sb.WriteString("\nInclude the entry point, build configuration, and a package.json declaring every dependency the code imports.\n")
	sb.WriteString(replyShapeNote)
	return sb.String()
}

func buildChunkInstruction(req Request, batch []string, idx, total int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Generate source files for batch %d of %d of this application:\n", idx, total)
	sb.Write(requirementsJSON(req))
	sb.WriteString("\nThis batch covers only these components:\n")
	for _, u := range batch {
		sb.WriteString("- " + u + "\n")
	}
	sb.WriteString("Do not generate project-level scaffolding; another call handles it.\n")
	sb.WriteString(replyShapeNote)
	return sb.String()
}

func buildScaffoldInstruction(req Request) string {
	var sb strings.Builder
	sb.WriteString("Generate the project-level scaffolding files for this application (entry point, index.html, build config, package.json with all dependencies):\n")
	sb.Write(requirementsJSON(req))
	sb.WriteString("\nComponent files are generated separately; do not repeat them.\n")
	sb.WriteString(replyShapeNote)
	return sb.String()
}

func buildOverlayInstruction(req Request, base *scaffold.FileSet) string {
	var sb strings.Builder
	sb.WriteString("Modify an existing project to satisfy this request:\n")
	sb.Write(requirementsJSON(req))
	sb.WriteString("\nExisting project files:\n")
	baseJSON, err := json.Marshal(base.Records())
	if err != nil {
		baseJSON = []byte("[]")
	}
	sb.Write(baseJSON)
	if len(req.AssetPaths) > 0 {
		sb.WriteString("\nBinary assets present in the project (reference them by path, never regenerate them):\n")
		for _, p := range req.AssetPaths {
			sb.WriteString("- " + p + "\n")
		}
	}
	sb.WriteString("\nReturn ONLY files that are new or changed, each with its complete content. Never return package.json; instead list additionally required package names.\n")
	sb.WriteString(`Return JSON exactly like {"files":[{"path":"...","content":"..."}],"new_dependencies":["pkg-name"]}. Respond only with valid JSON of that shape.`)
	return sb.String()
}
