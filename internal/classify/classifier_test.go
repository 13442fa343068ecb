package classify_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mailtriage/mailtriage/internal/classify"
)

// fakeLLM returns canned responses in order, recording each prompt.
type fakeLLM struct {
	responses []string
	err       error
	prompts   []string
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	i := len(f.prompts) - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

func newClassifier(llm classify.LLM) *classify.Classifier {
	taxonomy := []classify.Tag{
		{Name: "work", Description: "work mail"},
		{Name: "finance", Description: "money"},
		{Name: "urgent", Description: "time critical"},
		{Name: "newsletter", Description: "subscribed content"},
	}
	return classify.New(llm, "test-model", taxonomy, classify.WithTimeout(time.Second))
}

func sampleInput() classify.Input {
	return classify.Input{
		Subject:    "Invoice 42 due",
		Sender:     "billing@vendor.example",
		Recipients: []string{"me@example.com"},
		ReceivedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		Body:       "Please pay invoice 42 by Friday.",
	}
}

func TestClassifyParsesVerdict(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"tags": ["finance", "urgent"], "priority": "high", "action_required": true, "can_archive": false, "confidence": 0.92}`,
	}}
	v, err := newClassifier(llm).Classify(context.Background(), sampleInput(), nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	want := &classify.Verdict{
		Tags:           []string{"finance", "urgent"},
		Priority:       "high",
		ActionRequired: true,
		Confidence:     0.92,
	}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Errorf("verdict mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifyToleratesSurroundingProse(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		"Sure! Here is the classification:\n```json\n" +
			`{"tags": ["work"], "priority": "normal", "confidence": 0.7}` +
			"\n```\nLet me know if you need anything else.",
	}}
	v, err := newClassifier(llm).Classify(context.Background(), sampleInput(), nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(v.Tags) != 1 || v.Tags[0] != "work" {
		t.Errorf("tags = %v, want [work]", v.Tags)
	}
	if len(llm.prompts) != 1 {
		t.Errorf("made %d requests, want 1", len(llm.prompts))
	}
}

func TestClassifyRetriesOnceThenEmptyVerdict(t *testing.T) {
	llm := &fakeLLM{responses: []string{"I cannot classify this email.", "still not JSON"}}
	v, err := newClassifier(llm).Classify(context.Background(), sampleInput(), nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	if len(llm.prompts) != 2 {
		t.Fatalf("made %d requests, want 2", len(llm.prompts))
	}
	if !strings.Contains(llm.prompts[1], "ONLY a single JSON object") {
		t.Error("retry prompt missing strict instruction")
	}
	if len(v.Tags) != 0 || v.Priority != classify.PriorityNormal || v.Confidence != 0 {
		t.Errorf("fallback verdict = %+v, want empty with confidence 0", v)
	}
}

func TestClassifyPropagatesLLMError(t *testing.T) {
	llm := &fakeLLM{err: errors.New("connection refused")}
	_, err := newClassifier(llm).Classify(context.Background(), sampleInput(), nil)
	if err == nil {
		t.Fatal("expected error from failing endpoint")
	}
}

func TestClassifyNormalizesTags(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"tags": [" Work ", "WORK", "crypto", "finance", "urgent", "newsletter"], "priority": "silly", "confidence": 7}`,
	}}
	v, err := newClassifier(llm).Classify(context.Background(), sampleInput(), nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	// Lowercased, deduped, out-of-taxonomy dropped, capped at three.
	want := []string{"work", "finance", "urgent"}
	if diff := cmp.Diff(want, v.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	if v.Priority != classify.PriorityNormal {
		t.Errorf("priority = %q, want normal for unknown input", v.Priority)
	}
	if v.Confidence != 1 {
		t.Errorf("confidence = %v, want clamped to 1", v.Confidence)
	}
}

func TestClassifyPriorityEnum(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"high", classify.PriorityHigh},
		{" High ", classify.PriorityHigh},
		{"normal", classify.PriorityNormal},
		{"low", classify.PriorityNormal},
		{"urgent", classify.PriorityNormal},
	}
	for _, tc := range cases {
		llm := &fakeLLM{responses: []string{
			`{"tags": ["work"], "priority": "` + tc.raw + `", "confidence": 0.5}`,
		}}
		v, err := newClassifier(llm).Classify(context.Background(), sampleInput(), nil)
		if err != nil {
			t.Fatalf("Classify(%q): %v", tc.raw, err)
		}
		if v.Priority != tc.want {
			t.Errorf("priority %q normalized to %q, want %q", tc.raw, v.Priority, tc.want)
		}
	}
}

func TestClassifyDefaultConfidence(t *testing.T) {
	llm := &fakeLLM{responses: []string{`{"tags": ["work"], "priority": "normal"}`}}
	v, err := newClassifier(llm).Classify(context.Background(), sampleInput(), nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if v.Confidence != 0.8 {
		t.Errorf("confidence = %v, want default 0.8", v.Confidence)
	}
}

func TestPromptIncludesPreferenceHistory(t *testing.T) {
	llm := &fakeLLM{responses: []string{`{"tags": ["work"]}`}}
	examples := []classify.Example{
		{
			From:     "news@shop.example",
			Subject:  "weekly deals #",
			AITags:   []string{"promotion"},
			UserTags: []string{"newsletter"},
		},
	}
	_, err := newClassifier(llm).Classify(context.Background(), sampleInput(), examples)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	prompt := llm.prompts[0]
	if !strings.Contains(prompt, "User Preference History:") {
		t.Error("prompt missing preference history section")
	}
	wantLine := "From: news@shop.example / Subject: weekly deals # / AI proposed: [promotion] / User corrected to: [newsletter]"
	if !strings.Contains(prompt, wantLine) {
		t.Errorf("prompt missing example line:\n%s", prompt)
	}
}

func TestPromptOmitsHistoryWhenEmpty(t *testing.T) {
	llm := &fakeLLM{responses: []string{`{"tags": []}`}}
	_, err := newClassifier(llm).Classify(context.Background(), sampleInput(), nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if strings.Contains(llm.prompts[0], "User Preference History") {
		t.Error("prompt has history section with no examples")
	}
}

func TestPromptTruncatesLongBody(t *testing.T) {
	llm := &fakeLLM{responses: []string{`{"tags": []}`}}
	in := sampleInput()
	in.Body = strings.Repeat("x", 5000)
	_, err := newClassifier(llm).Classify(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if strings.Contains(llm.prompts[0], strings.Repeat("x", 3001)) {
		t.Error("body not truncated")
	}
	if !strings.Contains(llm.prompts[0], strings.Repeat("x", 3000)) {
		t.Error("truncated body missing from prompt")
	}
}

func TestBuildTaxonomy(t *testing.T) {
	extra := []classify.Tag{
		{Name: "Crypto", Description: "exchanges and wallets"},
		{Name: "work", Description: "override description"},
	}
	tags := classify.BuildTaxonomy(true, extra, []string{"spam-suspect", "FOOD"})

	byName := make(map[string]string, len(tags))
	for _, tag := range tags {
		byName[tag.Name] = tag.Description
	}
	if _, ok := byName["crypto"]; !ok {
		t.Error("user tag missing")
	}
	if byName["work"] != "override description" {
		t.Errorf("work description = %q, user override lost", byName["work"])
	}
	if _, ok := byName["spam-suspect"]; ok {
		t.Error("excluded tag still present")
	}
	if _, ok := byName["food"]; ok {
		t.Error("exclusion not case-insensitive")
	}
	for i := 1; i < len(tags); i++ {
		if tags[i-1].Name >= tags[i].Name {
			t.Fatalf("taxonomy not sorted at %d: %q >= %q", i, tags[i-1].Name, tags[i].Name)
		}
	}
}

func TestBuildTaxonomyWithoutDefaults(t *testing.T) {
	tags := classify.BuildTaxonomy(false, []classify.Tag{{Name: "only", Description: "d"}}, nil)
	if len(tags) != 1 || tags[0].Name != "only" {
		t.Errorf("taxonomy = %v, want just the user tag", tags)
	}
}
