package followup

// Followup Gate: decides whether a request carries enough information to
// generate, and produces clarifying questions when it does not.
//
// The model reply is parsed defensively — bare strings, objects, or
// newline-delimited text all normalize to Items. Questions the caller has
// already asked (any casing/whitespace) are never re-surfaced, and a
// candidate whose normalized text substring-matches an already-given
// free-text answer is treated as covered.

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/forgeworks/scaffold-agent/internal/llm"
	"github.com/forgeworks/scaffold-agent/internal/retry"
)

const (
	KindFreeText    = "free-text"
	KindBoolean     = "boolean"
	KindChoice      = "choice"
	KindMultiChoice = "multichoice"

	// DefaultUrgencyThreshold drops low-urgency questions.
	DefaultUrgencyThreshold = 0.25
	// DefaultMaxQuestions caps one gate round.
	DefaultMaxQuestions = 5

	// fallbackQuestion is emitted when the caller explicitly requested
	// questions but filtering left none. An explicit request must never
	// silently yield zero questions.
	fallbackQuestion = "Please list the key requirements for the app (pages, main features, and visual style)."

	// defaultUrgency is assumed for candidates the model returned without
	// an urgency score; it clears the default threshold.
	defaultUrgency = 0.5
)

// Item is one clarifying question.
type Item struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Kind     string   `json:"kind"`
	Urgency  float64  `json:"urgency"`
	Default  string   `json:"default,omitempty"`
	Choices  []string `json:"choices,omitempty"`
}

// History is the caller-supplied record of the conversation so far.
type History struct {
	// Asked holds questions already put to the user (matched
	// case/whitespace-insensitively).
	Asked []string `json:"asked"`
	// Answers maps question id or text to the free-text answer given.
	Answers map[string]string `json:"answers"`
}

// HasAnswers reports whether any answer has been supplied this round.
func (h History) HasAnswers() bool {
	for _, v := range h.Answers {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// Options tune one gate round.
type Options struct {
	// MaxQuestions caps the returned list (default 5, floor 1).
	MaxQuestions int
	// Explicit marks that the caller asked for questions outright; an
	// explicit round returns at least one question.
	Explicit bool
	// UrgencyThreshold filters candidates (default 0.25).
	UrgencyThreshold float64
}

// Decision is the gate outcome. Proceed is true when generation should run.
type Decision struct {
	Proceed   bool   `json:"proceed"`
	Followups []Item `json:"followups,omitempty"`
}

type Gate struct {
	log    *slog.Logger
	llm    llm.Invoker
	policy retry.Policy
}

func NewGate(log *slog.Logger, invoker llm.Invoker, policy retry.Policy) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{log: log, llm: invoker, policy: policy}
}

// gateReply is the expected model shape. Followups stays raw so that
// string items, object items, and mixed lists all parse.
type gateReply struct {
	Followups []json.RawMessage `json:"followups"`
}

// Decide runs one gate round. A failed model call degrades to Proceed=true
// (the gate must not block generation on its own infrastructure), except in
// explicit rounds where the fixed fallback question is returned instead.
func (g *Gate) Decide(ctx context.Context, requirements map[string]any, history History, opts Options) (Decision, error) {
	maxQ := opts.MaxQuestions
	if maxQ <= 0 {
		maxQ = DefaultMaxQuestions
	}
	if maxQ < 1 {
		maxQ = 1
	}
	threshold := opts.UrgencyThreshold
	if threshold <= 0 {
		threshold = DefaultUrgencyThreshold
	}

	var reply gateReply
	err := g.llm.Invoke(ctx, buildGateInstruction(requirements, history, maxQ, opts.Explicit), &reply, g.policy)
	if err != nil {
		g.log.Warn("followup gate call failed", "component", "followup", "error", err)
		if opts.Explicit {
			return Decision{Proceed: false, Followups: []Item{fallbackItem()}}, nil
		}
		return Decision{Proceed: true}, nil
	}

	candidates := normalizeCandidates(reply.Followups)
	filtered := g.filter(candidates, history, threshold)

	// Highest urgency first, stable for equal scores.
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Urgency > filtered[j].Urgency })
	if len(filtered) > maxQ {
		filtered = filtered[:maxQ]
	}

	if len(filtered) == 0 {
		if opts.Explicit {
			return Decision{Proceed: false, Followups: []Item{fallbackItem()}}, nil
		}
		return Decision{Proceed: true}, nil
	}
	return Decision{Proceed: false, Followups: filtered}, nil
}

func (g *Gate) filter(candidates []Item, history History, threshold float64) []Item {
	asked := make(map[string]struct{}, len(history.Asked))
	for _, q := range history.Asked {
		asked[normalizeText(q)] = struct{}{}
	}
	var answers []string
	for _, a := range history.Answers {
		if n := normalizeText(a); n != "" {
			answers = append(answers, n)
		}
	}

	out := make([]Item, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		n := normalizeText(c.Question)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		if _, was := asked[n]; was {
			continue
		}
		if coveredByAnswer(n, answers) {
			continue
		}
		if c.Urgency < threshold {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, c)
	}
	return out
}

// coveredByAnswer applies the conservative "already covered" heuristic:
// a substring match in either direction against any given answer.
func coveredByAnswer(normalized string, answers []string) bool {
	for _, a := range answers {
		if strings.Contains(a, normalized) || strings.Contains(normalized, a) {
			return true
		}
	}
	return false
}

// normalizeCandidates coerces raw list entries into Items. Accepted shapes:
// a JSON string, an object with question/prompt/text fields, or a plain
// newline-separated blob inside a string.
func normalizeCandidates(raw []json.RawMessage) []Item {
	var out []Item
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			for _, line := range strings.Split(s, "\n") {
				if q := strings.TrimSpace(line); q != "" {
					out = append(out, newItem(q, "", KindFreeText, defaultUrgency, ""))
				}
			}
			continue
		}
		var obj struct {
			ID       string   `json:"id"`
			Question string   `json:"question"`
			Prompt   string   `json:"prompt"`
			Text     string   `json:"text"`
			Kind     string   `json:"kind"`
			Type     string   `json:"type"`
			Urgency  *float64 `json:"urgency"`
			Default  string   `json:"default"`
			Choices  []string `json:"choices"`
		}
		if err := json.Unmarshal(r, &obj); err != nil {
			continue
		}
		q := strings.TrimSpace(obj.Question)
		if q == "" {
			q = strings.TrimSpace(obj.Prompt)
		}
		if q == "" {
			q = strings.TrimSpace(obj.Text)
		}
		if q == "" {
			continue
		}
		kind := normalizeKind(obj.Kind)
		if kind == "" {
			kind = normalizeKind(obj.Type)
		}
		if kind == "" {
			kind = KindFreeText
		}
		urgency := defaultUrgency
		if obj.Urgency != nil {
			urgency = clamp01(*obj.Urgency)
		}
		item := newItem(q, obj.ID, kind, urgency, obj.Default)
		item.Choices = obj.Choices
		out = append(out, item)
	}
	return out
}

func newItem(question, id, kind string, urgency float64, def string) Item {
	id = strings.TrimSpace(id)
	if id == "" {
		id = "q_" + uuid.NewString()
	}
	return Item{ID: id, Question: question, Kind: kind, Urgency: urgency, Default: def}
}

func fallbackItem() Item {
	return newItem(fallbackQuestion, "", KindFreeText, 1.0, "")
}

func normalizeKind(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "free-text", "text", "freetext", "free_text":
		return KindFreeText
	case "boolean", "bool", "yes-no", "yesno":
		return KindBoolean
	case "choice", "select", "single-choice":
		return KindChoice
	case "multichoice", "multi-choice", "multiselect", "multi_choice":
		return KindMultiChoice
	default:
		return ""
	}
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func buildGateInstruction(requirements map[string]any, history History, maxQ int, explicit bool) string {
	reqJSON, err := json.Marshal(requirements)
	if err != nil {
		reqJSON = []byte("{}")
	}
	var sb strings.Builder
	sb.WriteString("You review requirements for a web-app scaffold before code generation.\n")
	sb.WriteString("Requirements so far:\n")
	sb.Write(reqJSON)
	sb.WriteString("\n")
	if len(history.Asked) > 0 {
		sb.WriteString("Questions already asked (do not repeat):\n")
		for _, q := range history.Asked {
			sb.WriteString("- " + q + "\n")
		}
	}
	if len(history.Answers) > 0 {
		answersJSON, _ := json.Marshal(history.Answers)
		sb.WriteString("Answers already given:\n")
		sb.Write(answersJSON)
		sb.WriteString("\n")
	}
	if explicit {
		fmt.Fprintf(&sb, "\nProduce up to %d clarifying questions ranked by urgency.\n", maxQ)
	} else {
		sb.WriteString("\nIf clarifying questions are required to produce a good scaffold, list them ranked by urgency; otherwise return an empty list.\n")
	}
	sb.WriteString(`Return JSON exactly like {"followups":[{"id":"q1","question":"...","kind":"free-text","urgency":0.8,"default":""}]} or {"followups":[]}. Respond only with valid JSON of that shape.`)
	return sb.String()
}
