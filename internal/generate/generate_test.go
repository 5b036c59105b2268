package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/forgeworks/scaffold-agent/internal/depres"
	"github.com/forgeworks/scaffold-agent/internal/followup"
	"github.com/forgeworks/scaffold-agent/internal/llm"
	"github.com/forgeworks/scaffold-agent/internal/retry"
	"github.com/forgeworks/scaffold-agent/internal/scaffold"
	"github.com/forgeworks/scaffold-agent/internal/validate"
)

// fakeInvoker replays canned raw replies in call order. When errs runs out
// it falls back to the last reply.
type fakeInvoker struct {
	replies      []string
	errs         []error
	calls        int
	instructions []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, instruction string, out any, policy retry.Policy) error {
	i := f.calls
	f.calls++
	f.instructions = append(f.instructions, instruction)
	if i < len(f.errs) && f.errs[i] != nil {
		return f.errs[i]
	}
	raw := f.replies[len(f.replies)-1]
	if i < len(f.replies) {
		raw = f.replies[i]
	}
	return llm.Coerce(raw, out)
}

func proceedingGate(t *testing.T) *followup.Gate {
	t.Helper()
	return followup.NewGate(nil, &fakeInvoker{replies: []string{`{"followups":[]}`}}, retry.Policy{})
}

func decliningGate(t *testing.T) *followup.Gate {
	t.Helper()
	raw := `{"followups":[{"question":"Which pages do you need?","urgency":0.9}]}`
	return followup.NewGate(nil, &fakeInvoker{replies: []string{raw}}, retry.Policy{})
}

func curatedResolver(t *testing.T) *depres.Resolver {
	t.Helper()
	table, err := depres.NewCuratedTable("")
	if err != nil {
		t.Fatalf("NewCuratedTable: %v", err)
	}
	return depres.NewResolver(depres.ResolverOptions{Curated: table})
}

func filesJSON(files ...scaffold.FileRecord) string {
	raw, _ := json.Marshal(map[string]any{"files": files})
	return string(raw)
}

func TestGenerate_GateBlockedIsTerminalSuccess(t *testing.T) {
	t.Parallel()

	gen := &fakeInvoker{replies: []string{`{}`}}
	s := NewService(Options{Invoker: gen, Gate: decliningGate(t), Resolver: curatedResolver(t)})

	res, err := s.Generate(context.Background(), Request{AppName: "demo"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Files) != 0 || len(res.Followups) != 1 {
		t.Fatalf("result=%+v", res)
	}
	if gen.calls != 0 {
		t.Fatalf("generation invoked %d times behind a declined gate", gen.calls)
	}
}

func TestGenerate_SingleShotPinsManifest(t *testing.T) {
	t.Parallel()

	gen := &fakeInvoker{replies: []string{filesJSON(
		scaffold.FileRecord{Path: "src/App.tsx", Content: "export default function App() {}"},
		scaffold.FileRecord{Path: "package.json", Content: `{"name":"demo","dependencies":{"react":"^18"}}`},
	)}}
	s := NewService(Options{Invoker: gen, Gate: proceedingGate(t), Resolver: curatedResolver(t)})

	res, err := s.Generate(context.Background(), Request{AppName: "demo"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.ProjectName != "demo" || len(res.Files) != 2 {
		t.Fatalf("result=%+v", res)
	}

	var manifest struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	for _, f := range res.Files {
		if f.Path == "package.json" {
			if err := json.Unmarshal([]byte(f.Content), &manifest); err != nil {
				t.Fatalf("manifest: %v", err)
			}
		}
	}
	if manifest.Dependencies["react"] != "18.2.0" {
		t.Fatalf("react=%q, manifest not pinned", manifest.Dependencies["react"])
	}
	if len(res.Metadata.Dependencies.Resolved) != 1 {
		t.Fatalf("dependencies=%+v", res.Metadata.Dependencies)
	}
}

func TestGenerate_ChunkedIssuesOneCallPerBatchPlusScaffolding(t *testing.T) {
	t.Parallel()

	units := make([]string, 25)
	for i := range units {
		units[i] = "Component" + string(rune('A'+i))
	}

	gen := &fakeInvoker{replies: []string{
		filesJSON(scaffold.FileRecord{Path: "src/a.tsx", Content: "v1"}),
		filesJSON(scaffold.FileRecord{Path: "src/a.tsx", Content: "v2"}, scaffold.FileRecord{Path: "src/b.tsx", Content: "b"}),
		filesJSON(scaffold.FileRecord{Path: "src/c.tsx", Content: "c"}),
		filesJSON(scaffold.FileRecord{Path: "index.html", Content: "<html></html>"}),
	}}
	s := NewService(Options{Invoker: gen, Gate: proceedingGate(t), Resolver: curatedResolver(t)})

	res, err := s.Generate(context.Background(), Request{AppName: "demo", Units: units})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// ceil(25/10) = 3 unit batches + 1 trailing scaffolding call.
	if gen.calls != 4 {
		t.Fatalf("generation calls=%d, want 4", gen.calls)
	}
	if !strings.Contains(gen.instructions[0], "batch 1 of 3") {
		t.Fatalf("first instruction missing batch marker:\n%s", gen.instructions[0])
	}

	byPath := map[string]string{}
	for _, f := range res.Files {
		byPath[f.Path] = f.Content
	}
	// Last writer wins by emission order.
	if byPath["src/a.tsx"] != "v2" {
		t.Fatalf("src/a.tsx=%q", byPath["src/a.tsx"])
	}
	if len(res.Files) != 4 {
		t.Fatalf("files=%v", byPath)
	}
}

func TestGenerate_ChunkFailureDegradesToWarning(t *testing.T) {
	t.Parallel()

	gen := &fakeInvoker{
		replies: []string{
			`{}`,
			filesJSON(scaffold.FileRecord{Path: "src/b.tsx", Content: "b"}),
			filesJSON(scaffold.FileRecord{Path: "index.html", Content: "<html></html>"}),
		},
		errs: []error{errors.New("model overloaded")},
	}
	s := NewService(Options{Invoker: gen, Gate: proceedingGate(t), Resolver: curatedResolver(t), ChunkSize: 1})

	res, err := s.Generate(context.Background(), Request{AppName: "demo", Units: []string{"A", "B"}})
	if err != nil {
		t.Fatalf("partial chunk failure must not be fatal: %v", err)
	}
	if len(res.Files) != 2 {
		t.Fatalf("files=%+v", res.Files)
	}
	found := false
	for _, w := range res.Metadata.Warnings {
		if strings.Contains(w, "chunk 1/2 failed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings=%v", res.Metadata.Warnings)
	}
}

func TestGenerate_TotalFailureIsFatal(t *testing.T) {
	t.Parallel()

	boom := errors.New("model down")
	gen := &fakeInvoker{replies: []string{`{}`}, errs: []error{boom, boom, boom}}
	s := NewService(Options{Invoker: gen, Gate: proceedingGate(t), Resolver: curatedResolver(t)})

	_, err := s.Generate(context.Background(), Request{AppName: "demo", Units: []string{"A", "B"}})
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("err=%v, want ErrGenerationFailed", err)
	}
}

func TestGenerate_OverlayDeltaAndNewDependencies(t *testing.T) {
	t.Parallel()

	raw, _ := json.Marshal(map[string]any{
		"files": []scaffold.FileRecord{
			{Path: "src/App.tsx", Content: "unchanged"},
			{Path: "src/New.tsx", Content: "new component"},
			{Path: "src/Changed.tsx", Content: "after"},
			{Path: "package.json", Content: `{"dependencies":{}}`},
		},
		"new_dependencies": []string{"zod", " zod ", "", "axios"},
	})
	gen := &fakeInvoker{replies: []string{string(raw)}}
	s := NewService(Options{Invoker: gen, Gate: proceedingGate(t), Resolver: curatedResolver(t)})

	res, err := s.Generate(context.Background(), Request{
		AppName: "demo",
		BaseFiles: []scaffold.FileRecord{
			{Path: "src/App.tsx", Content: "unchanged"},
			{Path: "src/Changed.tsx", Content: "before"},
			{Path: "package.json", Content: `{"dependencies":{"react":"18.2.0"}}`},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	paths := map[string]bool{}
	for _, f := range res.Files {
		paths[f.Path] = true
	}
	if !paths["src/New.tsx"] || !paths["src/Changed.tsx"] {
		t.Fatalf("delta missing files: %v", paths)
	}
	if paths["src/App.tsx"] {
		t.Fatal("byte-identical file leaked into delta")
	}
	if paths["package.json"] {
		t.Fatal("manifest leaked into overlay delta")
	}

	if len(res.NewDependencies) != 2 {
		t.Fatalf("new_dependencies=%v", res.NewDependencies)
	}
	if len(res.Metadata.Dependencies.Resolved) != 2 {
		t.Fatalf("resolved=%+v", res.Metadata.Dependencies.Resolved)
	}
	for _, entry := range res.Metadata.Dependencies.Resolved {
		if entry.Source != depres.SourceCurated {
			t.Fatalf("entry=%+v, want curated pin", entry)
		}
	}
}

type fixedValidator struct{ report validate.Report }

func (f fixedValidator) Validate(ctx context.Context, files *scaffold.FileSet) (validate.Report, error) {
	return f.report, nil
}

func TestGenerate_ValidationReportInMetadata(t *testing.T) {
	t.Parallel()

	ok := true
	gen := &fakeInvoker{replies: []string{filesJSON(scaffold.FileRecord{Path: "a.ts", Content: "x"})}}
	s := NewService(Options{
		Invoker:   gen,
		Gate:      proceedingGate(t),
		Resolver:  curatedResolver(t),
		Validator: fixedValidator{report: validate.Report{OK: &ok}},
	})

	res, err := s.Generate(context.Background(), Request{AppName: "demo", Validate: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Metadata.Validation == nil || !res.Metadata.Validation.Passed() {
		t.Fatalf("validation=%+v", res.Metadata.Validation)
	}
}

func decodeEvents(t *testing.T, buf *bytes.Buffer) []Event {
	t.Helper()
	var events []Event
	sc := bufio.NewScanner(buf)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("bad stream line %q: %v", line, err)
		}
		events = append(events, e)
	}
	return events
}

func TestStream_FileTriadChunking(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("x", 2500)
	gen := &fakeInvoker{replies: []string{filesJSON(scaffold.FileRecord{Path: "src/big.ts", Content: content})}}
	s := NewService(Options{Invoker: gen, Gate: proceedingGate(t), Resolver: curatedResolver(t), StreamChunkBytes: 1024})

	var buf bytes.Buffer
	if _, err := s.Stream(context.Background(), Request{AppName: "demo"}, &buf); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := decodeEvents(t, &buf)

	var kinds []string
	var chunkSizes []int
	var finals []bool
	for _, e := range events {
		kinds = append(kinds, e.Event)
		if e.Event == EventFileChunk {
			payload := e.Payload.(map[string]any)
			chunkSizes = append(chunkSizes, len(payload["content"].(string)))
			finals = append(finals, payload["final"].(bool))
		}
	}

	want := []string{EventFileStart, EventFileChunk, EventFileChunk, EventFileChunk, EventFileComplete, EventDone}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Fatalf("events=%v, want %v", kinds, want)
	}
	if chunkSizes[0] != 1024 || chunkSizes[1] != 1024 || chunkSizes[2] != 452 {
		t.Fatalf("chunk sizes=%v", chunkSizes)
	}
	if finals[0] || finals[1] || !finals[2] {
		t.Fatalf("final flags=%v", finals)
	}

	complete := events[4].Payload.(map[string]any)
	if int(complete["size"].(float64)) != 2500 {
		t.Fatalf("file_complete=%v", complete)
	}
	done := events[5].Payload.(map[string]any)
	if int(done["files_count"].(float64)) != 1 {
		t.Fatalf("done=%v", done)
	}
}

func TestStream_GateDeclinedEmitsOnlyFollowups(t *testing.T) {
	t.Parallel()

	gen := &fakeInvoker{replies: []string{`{}`}}
	s := NewService(Options{Invoker: gen, Gate: decliningGate(t), Resolver: curatedResolver(t)})

	var buf bytes.Buffer
	if _, err := s.Stream(context.Background(), Request{AppName: "demo"}, &buf); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := decodeEvents(t, &buf)
	if len(events) != 1 || events[0].Event != EventFollowups {
		t.Fatalf("events=%+v, want a single followups event", events)
	}
}

func TestStream_ManifestEmittedAfterPinning(t *testing.T) {
	t.Parallel()

	gen := &fakeInvoker{replies: []string{filesJSON(
		scaffold.FileRecord{Path: "src/App.tsx", Content: "app"},
		scaffold.FileRecord{Path: "package.json", Content: `{"dependencies":{"react":"^18"}}`},
	)}}
	s := NewService(Options{Invoker: gen, Gate: proceedingGate(t), Resolver: curatedResolver(t)})

	var buf bytes.Buffer
	if _, err := s.Stream(context.Background(), Request{AppName: "demo"}, &buf); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	manifestChunk := ""
	sawDependencyEvent := false
	for _, e := range decodeEvents(t, &buf) {
		if e.Event == EventDependency {
			sawDependencyEvent = true
		}
		if e.Event == EventFileChunk {
			payload := e.Payload.(map[string]any)
			if payload["path"] == "package.json" {
				manifestChunk = payload["content"].(string)
			}
		}
	}
	if !sawDependencyEvent {
		t.Fatal("no dependency event on stream")
	}
	if !strings.Contains(manifestChunk, `"react": "18.2.0"`) {
		t.Fatalf("manifest streamed before pinning:\n%s", manifestChunk)
	}
}

func TestStream_DependencyFreeManifestStillStreamed(t *testing.T) {
	t.Parallel()

	gen := &fakeInvoker{replies: []string{filesJSON(
		scaffold.FileRecord{Path: "index.html", Content: "<html></html>"},
		scaffold.FileRecord{Path: "package.json", Content: `{"name":"demo","private":true}`},
	)}}
	s := NewService(Options{Invoker: gen, Gate: proceedingGate(t), Resolver: curatedResolver(t)})

	var buf bytes.Buffer
	if _, err := s.Stream(context.Background(), Request{AppName: "demo"}, &buf); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	completed := map[string]bool{}
	var done map[string]any
	for _, e := range decodeEvents(t, &buf) {
		switch e.Event {
		case EventFileComplete:
			payload := e.Payload.(map[string]any)
			completed[payload["path"].(string)] = true
		case EventDone:
			done = e.Payload.(map[string]any)
		}
	}
	if !completed["package.json"] {
		t.Fatalf("manifest without dependencies never streamed: %v", completed)
	}
	if !completed["index.html"] {
		t.Fatalf("completed=%v", completed)
	}
	if done == nil || int(done["files_count"].(float64)) != 2 {
		t.Fatalf("done=%v", done)
	}
}

func TestStream_ManifestStreamedWithoutResolver(t *testing.T) {
	t.Parallel()

	gen := &fakeInvoker{replies: []string{filesJSON(
		scaffold.FileRecord{Path: "package.json", Content: `{"name":"demo"}`},
	)}}
	s := NewService(Options{Invoker: gen, Gate: proceedingGate(t)})

	var buf bytes.Buffer
	if _, err := s.Stream(context.Background(), Request{AppName: "demo"}, &buf); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	saw := false
	for _, e := range decodeEvents(t, &buf) {
		if e.Event == EventFileStart {
			payload := e.Payload.(map[string]any)
			if payload["path"] == "package.json" {
				saw = true
			}
		}
	}
	if !saw {
		t.Fatal("manifest never streamed with no resolver configured")
	}
}

func TestBatchUnits(t *testing.T) {
	t.Parallel()

	batches := batchUnits([]string{"a", "", "b", "c", " "}, 2)
	if len(batches) != 2 || len(batches[0]) != 2 || len(batches[1]) != 1 {
		t.Fatalf("batches=%v", batches)
	}
}
