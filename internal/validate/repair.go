package validate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forgeworks/scaffold-agent/internal/llm"
	"github.com/forgeworks/scaffold-agent/internal/retry"
	"github.com/forgeworks/scaffold-agent/internal/scaffold"
)

// Repairer asks the model to fix a tree that failed validation. Replies must
// carry full file contents; patches and diffs are not accepted.
type Repairer struct {
	log    *slog.Logger
	llm    llm.Invoker
	policy retry.Policy
}

func NewRepairer(log *slog.Logger, invoker llm.Invoker, policy retry.Policy) *Repairer {
	if log == nil {
		log = slog.Default()
	}
	return &Repairer{log: log, llm: invoker, policy: policy}
}

type repairReply struct {
	Files []scaffold.FileRecord `json:"files"`
	Notes string                `json:"notes"`
}

// Outcome reports what one repair round changed.
type Outcome struct {
	Changed  []string `json:"changed"`
	Notes    string   `json:"notes,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Repair runs exactly one model round against the failure output and folds
// the returned files into the tree.
func (r *Repairer) Repair(ctx context.Context, files *scaffold.FileSet, failure string) (Outcome, error) {
	var out Outcome
	if strings.TrimSpace(failure) == "" {
		return out, errors.New("nothing to repair: empty failure output")
	}

	var reply repairReply
	if err := r.llm.Invoke(ctx, buildRepairInstruction(files, failure), &reply, r.policy); err != nil {
		return out, fmt.Errorf("repair call failed: %w", err)
	}

	merged := files.Merge(reply.Files)
	for _, rec := range reply.Files {
		if p := scaffold.NormalizePath(rec.Path); p != "" && !scaffold.IsBinaryPath(p) {
			out.Changed = append(out.Changed, p)
		}
	}
	out.Notes = strings.TrimSpace(reply.Notes)
	out.Warnings = merged.Warnings

	r.log.Info("repair round applied",
		"component", "validate",
		"changed", len(out.Changed),
		"dropped", len(merged.Dropped))
	return out, nil
}

func buildRepairInstruction(files *scaffold.FileSet, failure string) string {
	treeJSON, err := json.Marshal(files.Records())
	if err != nil {
		treeJSON = []byte("[]")
	}
	var sb strings.Builder
	sb.WriteString("The following project failed its toolchain checks.\n\nCheck output:\n")
	sb.WriteString(failure)
	sb.WriteString("\n\nCurrent project files:\n")
	sb.Write(treeJSON)
	sb.WriteString("\n\nFix the problems. Return only the files that must change, each with its COMPLETE new content (never a diff or fragment).\n")
	sb.WriteString(`Return JSON exactly like {"files":[{"path":"src/App.tsx","content":"..."}],"notes":"what was fixed"}. Respond only with valid JSON of that shape.`)
	return sb.String()
}

// Round records one repair attempt inside a loop run.
type Round struct {
	Attempt int      `json:"attempt"`
	Changed []string `json:"changed"`
	Notes   string   `json:"notes,omitempty"`
	Report  Report   `json:"report"`
}

// TreeValidator runs toolchain checks against a tree.
type TreeValidator interface {
	Validate(ctx context.Context, files *scaffold.FileSet) (Report, error)
}

// TreeRepairer applies one model-driven fix round to a tree.
type TreeRepairer interface {
	Repair(ctx context.Context, files *scaffold.FileSet, failure string) (Outcome, error)
}

// Loop couples validation with bounded repair.
type Loop struct {
	Validator TreeValidator
	Repairer  TreeRepairer
	// Attempts caps repair rounds; 0 disables repair entirely.
	Attempts int
	Logger   *slog.Logger
}

// Run validates files, then alternates repair and re-validation until the
// tree passes, a round changes nothing, or the attempt budget is spent. The
// final report reflects the last validation that ran.
func (l Loop) Run(ctx context.Context, files *scaffold.FileSet) (Report, []Round, error) {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}

	report, err := l.Validator.Validate(ctx, files)
	if err != nil {
		return Report{}, nil, err
	}

	var rounds []Round
	for attempt := 1; attempt <= l.Attempts && report.Failed(); attempt++ {
		if l.Repairer == nil {
			break
		}
		outcome, err := l.Repairer.Repair(ctx, files, report.FailureOutput())
		if err != nil {
			log.Warn("repair attempt failed", "component", "validate", "attempt", attempt, "error", err)
			break
		}
		if len(outcome.Changed) == 0 {
			log.Info("repair changed nothing, stopping", "component", "validate", "attempt", attempt)
			break
		}

		report, err = l.Validator.Validate(ctx, files)
		if err != nil {
			return Report{}, rounds, err
		}
		rounds = append(rounds, Round{Attempt: attempt, Changed: outcome.Changed, Notes: outcome.Notes, Report: report})
	}
	return report, rounds, nil
}
