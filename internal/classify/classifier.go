// Package classify turns messages into tag verdicts using a local LLM
// endpoint, steered by a taxonomy and past user corrections.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Limits applied when building the prompt and verdict.
const (
	maxTags        = 3
	maxBodyChars   = 3000
	maxExamples    = 5
	requestTimeout = 30 * time.Second
)

// Priority levels a verdict can carry.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Input is the message view handed to the classifier.
type Input struct {
	Subject    string
	Sender     string
	Recipients []string
	ReceivedAt time.Time
	Snippet    string
	Body       string
}

// Example is a past user correction used as a few-shot hint.
type Example struct {
	From     string
	Subject  string
	AITags   []string
	UserTags []string
}

// Verdict is the classification result. The caller persists it.
type Verdict struct {
	Tags           []string
	Priority       string
	ActionRequired bool
	CanArchive     bool
	Confidence     float64
}

// Classifier builds prompts, invokes the model, and normalizes verdicts.
type Classifier struct {
	llm      LLM
	model    string
	taxonomy []Tag
	logger   *slog.Logger
	timeout  time.Duration
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) { c.logger = logger }
}

// WithTimeout overrides the per-request timeout. Tests use this to avoid
// waiting out the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Classifier) { c.timeout = d }
}

// New creates a Classifier over the given model endpoint and taxonomy.
func New(llm LLM, model string, taxonomy []Tag, opts ...Option) *Classifier {
	c := &Classifier{
		llm:      llm,
		model:    model,
		taxonomy: taxonomy,
		logger:   slog.Default(),
		timeout:  requestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the model name recorded on verdicts.
func (c *Classifier) Model() string {
	return c.model
}

// Classify produces a verdict for the message. An unparseable response is
// retried once with a tightened instruction; if the retry also fails the
// verdict is empty with confidence zero, and the cycle moves on.
func (c *Classifier) Classify(ctx context.Context, in Input, examples []Example) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := c.buildPrompt(in, examples, false)
	resp, err := c.llm.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("classify %q: %w", in.Subject, err)
	}

	verdict, perr := c.parseVerdict(resp)
	if perr != nil {
		c.logger.Warn("classifier returned invalid verdict, retrying",
			"subject", in.Subject, "error", perr)
		resp, err = c.llm.Complete(ctx, c.buildPrompt(in, examples, true))
		if err != nil {
			return nil, fmt.Errorf("classify retry %q: %w", in.Subject, err)
		}
		verdict, perr = c.parseVerdict(resp)
		if perr != nil {
			c.logger.Warn("classifier verdict unusable after retry, recording empty verdict",
				"subject", in.Subject, "error", perr)
			return &Verdict{Priority: PriorityNormal, Confidence: 0}, nil
		}
	}
	return verdict, nil
}

// buildPrompt assembles the instruction, taxonomy, preference history,
// message, and output schema.
func (c *Classifier) buildPrompt(in Input, examples []Example, strict bool) string {
	var b strings.Builder

	b.WriteString("You are an email triage assistant. Classify the email below.\n")
	if strict {
		b.WriteString("Respond with ONLY a single JSON object. No prose, no markdown, no code fences.\n")
	}
	b.WriteString("\nAvailable tags:\n")
	for _, t := range c.taxonomy {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}

	if len(examples) > 0 {
		if len(examples) > maxExamples {
			examples = examples[:maxExamples]
		}
		b.WriteString("\nUser Preference History:\n")
		for _, ex := range examples {
			fmt.Fprintf(&b, "From: %s / Subject: %s / AI proposed: %s / User corrected to: %s\n",
				ex.From, ex.Subject, formatTagList(ex.AITags), formatTagList(ex.UserTags))
		}
		b.WriteString("Weigh these corrections when choosing tags for similar senders.\n")
	}

	b.WriteString("\nEmail:\n")
	fmt.Fprintf(&b, "From: %s\n", in.Sender)
	if len(in.Recipients) > 0 {
		fmt.Fprintf(&b, "To: %s\n", strings.Join(in.Recipients, ", "))
	}
	if !in.ReceivedAt.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", in.ReceivedAt.Format(time.RFC1123Z))
	}
	fmt.Fprintf(&b, "Subject: %s\n", in.Subject)
	body := in.Body
	if body == "" {
		body = in.Snippet
	}
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars]
	}
	fmt.Fprintf(&b, "\n%s\n", body)

	b.WriteString(`
Respond with JSON matching this schema exactly:
{"tags": ["tag1", "tag2"], "priority": "high|normal", "action_required": true|false, "can_archive": true|false, "confidence": 0.0-1.0}
Use at most 3 tags, all from the available tags list.
`)
	return b.String()
}

func formatTagList(tags []string) string {
	return "[" + strings.Join(tags, ", ") + "]"
}

type rawVerdict struct {
	Tags           []string `json:"tags"`
	Priority       string   `json:"priority"`
	ActionRequired bool     `json:"action_required"`
	CanArchive     bool     `json:"can_archive"`
	Confidence     *float64 `json:"confidence"`
}

// parseVerdict extracts and normalizes the JSON verdict from a model
// response, tolerating surrounding prose or code fences.
func (c *Classifier) parseVerdict(resp string) (*Verdict, error) {
	start := strings.Index(resp, "{")
	end := strings.LastIndex(resp, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(resp[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}

	v := &Verdict{
		Tags:           c.normalizeTags(raw.Tags),
		Priority:       normalizePriority(raw.Priority),
		ActionRequired: raw.ActionRequired,
		CanArchive:     raw.CanArchive,
		Confidence:     0.8,
	}
	if raw.Confidence != nil {
		v.Confidence = clamp01(*raw.Confidence)
	}
	return v, nil
}

// normalizeTags lowercases, trims, dedupes, drops tags outside the
// taxonomy, and caps the result.
func (c *Classifier) normalizeTags(tags []string) []string {
	known := make(map[string]bool, len(c.taxonomy))
	for _, t := range c.taxonomy {
		known[t.Name] = true
	}

	seen := make(map[string]bool)
	var out []string
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		if !known[tag] {
			c.logger.Warn("model proposed tag outside taxonomy", "tag", tag)
			continue
		}
		out = append(out, tag)
		if len(out) == maxTags {
			break
		}
	}
	return out
}

func normalizePriority(p string) string {
	if strings.ToLower(strings.TrimSpace(p)) == PriorityHigh {
		return PriorityHigh
	}
	return PriorityNormal
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
