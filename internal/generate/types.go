package generate

import (
	"strings"

	"github.com/google/uuid"

	"github.com/forgeworks/scaffold-agent/internal/depres"
	"github.com/forgeworks/scaffold-agent/internal/followup"
	"github.com/forgeworks/scaffold-agent/internal/scaffold"
	"github.com/forgeworks/scaffold-agent/internal/validate"
)

// Request is one generation ask. BaseFiles switches the pipeline into
// overlay mode: only new/changed files come back and the manifest is never
// regenerated.
type Request struct {
	AppName      string         `json:"app_name"`
	Description  string         `json:"description,omitempty"`
	Requirements map[string]any `json:"requirements,omitempty"`

	// Units are independent pieces of work (one per UI component to
	// scaffold). When present, generation is chunked.
	Units []string `json:"units,omitempty"`

	BaseFiles []scaffold.FileRecord `json:"base_files,omitempty"`
	// AssetPaths are binary files that exist in the base project. They are
	// named to the model and treated as present, but never carried as text.
	AssetPaths []string `json:"asset_paths,omitempty"`

	History followup.History `json:"history"`
	// ExplicitQuestions > 0 asks the gate for questions outright.
	ExplicitQuestions int  `json:"explicit_questions,omitempty"`
	SkipGate          bool `json:"skip_gate,omitempty"`

	Validate bool `json:"validate,omitempty"`

	// Per-request overrides for the model call budget; nil keeps configured
	// defaults.
	LLMRetries        *int `json:"llm_retries,omitempty"`
	LLMTimeoutSeconds *int `json:"llm_timeout_seconds,omitempty"`
}

// ProjectName returns the normalized project name, never empty.
func (r Request) ProjectName() string {
	name := strings.TrimSpace(r.AppName)
	if name == "" {
		name = "generated-app"
	}
	return name
}

// Overlay reports whether this request runs against a base file set.
func (r Request) Overlay() bool {
	return len(r.BaseFiles) > 0
}

// Metadata carries everything about a run besides the files themselves.
type Metadata struct {
	Warnings     []string         `json:"warnings"`
	Validation   *validate.Report `json:"validation,omitempty"`
	Dependencies depres.Result    `json:"dependencies"`
	Repairs      []validate.Round `json:"repairs,omitempty"`
	DurationMS   int64            `json:"duration_ms"`
}

// Result is the single-shot response shape.
type Result struct {
	ProjectName string                `json:"project_name"`
	Files       []scaffold.FileRecord `json:"files"`
	Metadata    Metadata              `json:"metadata"`
	Followups   []followup.Item       `json:"followups,omitempty"`
	// NewDependencies lists package names the model asked for in overlay
	// mode, before resolution.
	NewDependencies []string `json:"new_dependencies,omitempty"`
}

// session accumulates state for one request. It is transient: discarded when
// the response is produced or the stream ends.
type session struct {
	id       string
	files    *scaffold.FileSet
	warnings []string
}

func newSession() *session {
	return &session{id: uuid.NewString(), files: scaffold.NewFileSet()}
}

func (s *session) warn(msg string) {
	msg = strings.TrimSpace(msg)
	if msg != "" {
		s.warnings = append(s.warnings, msg)
	}
}
