package validate

// Validation materializes a generated tree into a scratch workspace and runs
// the project's own toolchain against it. Checks whose prerequisites are not
// present (no tsconfig, no npx on PATH) are skipped rather than failed: an
// agent host without node tooling must still produce scaffolds.

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/forgeworks/scaffold-agent/internal/scaffold"
	"github.com/forgeworks/scaffold-agent/internal/workspace"
)

const (
	CheckTypes = "tsc"
	CheckLint  = "eslint"
	CheckTests = "test"

	defaultCheckTimeout = 60 * time.Second
	maxCheckOutput      = 8 << 10
)

// CheckResult is the outcome of one toolchain check.
type CheckResult struct {
	Name       string `json:"name"`
	OK         bool   `json:"ok"`
	Skipped    bool   `json:"skipped"`
	Reason     string `json:"reason,omitempty"`
	Output     string `json:"output,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Report aggregates all checks for one tree.
type Report struct {
	// OK is nil when every check was skipped, otherwise the conjunction of
	// the checks that ran.
	OK     *bool         `json:"ok"`
	Checks []CheckResult `json:"checks"`
}

// Passed reports whether validation ran and succeeded.
func (r Report) Passed() bool {
	return r.OK != nil && *r.OK
}

// Failed reports whether validation ran and found problems.
func (r Report) Failed() bool {
	return r.OK != nil && !*r.OK
}

// FailureOutput concatenates the output of failing checks for repair prompts.
func (r Report) FailureOutput() string {
	var sb strings.Builder
	for _, c := range r.Checks {
		if c.Skipped || c.OK {
			continue
		}
		sb.WriteString("## " + c.Name + "\n")
		sb.WriteString(c.Output)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

type Options struct {
	Logger     *slog.Logger
	Workspaces *workspace.Factory
	// Timeout bounds each individual check (default 60s).
	Timeout time.Duration
}

type Validator struct {
	log        *slog.Logger
	workspaces *workspace.Factory
	timeout    time.Duration
}

func NewValidator(opts Options) *Validator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &Validator{log: log, workspaces: opts.Workspaces, timeout: timeout}
}

// Validate materializes files into a scratch workspace and runs every
// applicable check. Workspace trouble surfaces as an error; check failures
// surface in the report.
func (v *Validator) Validate(ctx context.Context, files *scaffold.FileSet) (Report, error) {
	ws, err := v.workspaces.Create("scaffold_validate_")
	if err != nil {
		return Report{}, err
	}
	defer ws.Close()

	if err := ws.Materialize(files); err != nil {
		return Report{}, err
	}

	var report Report
	report.Checks = append(report.Checks, v.runTypes(ctx, ws.Dir()))
	report.Checks = append(report.Checks, v.runLint(ctx, ws.Dir()))
	report.Checks = append(report.Checks, v.runTests(ctx, ws.Dir()))

	ok := true
	ran := false
	for _, c := range report.Checks {
		if c.Skipped {
			continue
		}
		ran = true
		ok = ok && c.OK
	}
	if ran {
		report.OK = &ok
	}

	v.log.Info("validation finished",
		"component", "validate",
		"ran", ran,
		"ok", report.Passed())
	return report, nil
}

func (v *Validator) runTypes(ctx context.Context, dir string) CheckResult {
	if !fileExists(filepath.Join(dir, "tsconfig.json")) {
		return CheckResult{Name: CheckTypes, Skipped: true, Reason: "no tsconfig.json"}
	}
	if _, err := exec.LookPath("npx"); err != nil {
		return CheckResult{Name: CheckTypes, Skipped: true, Reason: "npx not on PATH"}
	}
	return v.runCheck(ctx, dir, CheckTypes, "npx", "--no-install", "tsc", "--noEmit")
}

func (v *Validator) runLint(ctx context.Context, dir string) CheckResult {
	if !hasESLintConfig(dir) {
		return CheckResult{Name: CheckLint, Skipped: true, Reason: "no eslint config"}
	}
	if _, err := exec.LookPath("npx"); err != nil {
		return CheckResult{Name: CheckLint, Skipped: true, Reason: "npx not on PATH"}
	}
	return v.runCheck(ctx, dir, CheckLint, "npx", "--no-install", "eslint", ".")
}

func (v *Validator) runTests(ctx context.Context, dir string) CheckResult {
	if !hasTestScript(dir) {
		return CheckResult{Name: CheckTests, Skipped: true, Reason: "no test script"}
	}
	if _, err := exec.LookPath("npm"); err != nil {
		return CheckResult{Name: CheckTests, Skipped: true, Reason: "npm not on PATH"}
	}
	return v.runCheck(ctx, dir, CheckTests, "npm", "test", "--silent")
}

func (v *Validator) runCheck(ctx context.Context, dir, name, bin string, args ...string) CheckResult {
	runCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "NO_COLOR=1", "CI=1")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	res := CheckResult{
		Name:       name,
		OK:         err == nil,
		Output:     truncate(out.String()),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		res.OK = false
		res.Output = strings.TrimSpace(res.Output + "\ncheck timed out")
	}
	return res
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func hasESLintConfig(dir string) bool {
	names := []string{
		".eslintrc", ".eslintrc.json", ".eslintrc.js", ".eslintrc.cjs",
		".eslintrc.yaml", ".eslintrc.yml",
		"eslint.config.js", "eslint.config.mjs", "eslint.config.cjs",
	}
	for _, n := range names {
		if fileExists(filepath.Join(dir, n)) {
			return true
		}
	}
	return false
}

func hasTestScript(dir string) bool {
	raw, err := os.ReadFile(filepath.Join(dir, scaffold.ManifestFileName))
	if err != nil {
		return false
	}
	var manifest struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return false
	}
	return strings.TrimSpace(manifest.Scripts["test"]) != ""
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxCheckOutput {
		return s[:maxCheckOutput] + "\n... output truncated"
	}
	return s
}
