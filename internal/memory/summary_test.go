package memory

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestBuildSummary_PairsQuestionsWithAnswers(t *testing.T) {
	turns := []Turn{
		{Role: RoleUser, Content: "What is the capital of France?", Seq: 1},
		{Role: RoleAgent, Content: "The capital of France is Paris.", Seq: 2},
		{Role: RoleUser, Content: "And of Spain?", Seq: 3},
		{Role: RoleAgent, Content: "Madrid.", Seq: 4},
	}

	got := BuildSummary(turns)

	if !strings.Contains(got, "Q: What is the capital of France?") {
		t.Errorf("summary missing first question: %q", got)
	}
	if !strings.Contains(got, "A: The capital of France is Paris.") {
		t.Errorf("summary missing first answer: %q", got)
	}
	if !strings.Contains(got, "Q: And of Spain?\nA: Madrid.") {
		t.Errorf("summary did not pair second exchange: %q", got)
	}
}

func TestBuildSummary_SkipsToolTurns(t *testing.T) {
	turns := []Turn{
		{Role: RoleUser, Content: "check the weather", Seq: 1},
		{Role: RoleTool, Content: `{"temp": 21}`, Seq: 2},
		{Role: RoleAgent, Content: "It is 21 degrees.", Seq: 3},
	}

	got := BuildSummary(turns)
	if strings.Contains(got, "temp") {
		t.Errorf("tool output leaked into summary: %q", got)
	}
	if !strings.Contains(got, "Q: check the weather\nA: It is 21 degrees.") {
		t.Errorf("tool turn broke pairing: %q", got)
	}
}

func TestBuildSummary_ClampsLongMessages(t *testing.T) {
	long := strings.Repeat("x", 1000)
	turns := []Turn{
		{Role: RoleUser, Content: long, Seq: 1},
		{Role: RoleAgent, Content: "short", Seq: 2},
	}

	got := BuildSummary(turns)
	if len(got) > maxPairChars*2+20 {
		t.Errorf("per-message clamp not applied, len=%d", len(got))
	}
	if !strings.Contains(got, "A: short") {
		t.Errorf("long question crowded out the answer: %q", got)
	}
}

func TestBuildSummary_ClampsTotalLength(t *testing.T) {
	var turns []Turn
	for i := 0; i < 20; i++ {
		turns = append(turns,
			Turn{Role: RoleUser, Content: strings.Repeat("q", 190), Seq: int64(i * 2)},
			Turn{Role: RoleAgent, Content: strings.Repeat("a", 190), Seq: int64(i*2 + 1)},
		)
	}

	got := BuildSummary(turns)
	if len(got) > maxSummaryChars+10 {
		t.Errorf("total clamp not applied, len=%d", len(got))
	}
}

func TestBuildSummary_ClampKeepsRunesIntact(t *testing.T) {
	// 3-byte runes sized so the per-pair limit falls mid-rune.
	long := strings.Repeat("日", maxPairChars)
	turns := []Turn{
		{Role: RoleUser, Content: long, Seq: 1},
		{Role: RoleAgent, Content: long, Seq: 2},
	}

	got := BuildSummary(turns)
	if !utf8.ValidString(got) {
		t.Errorf("clamp split a multi-byte rune: %q", got)
	}
	if !strings.Contains(got, "...") {
		t.Errorf("long content was not clamped: len=%d", len(got))
	}
}

func TestBuildSummary_UnansweredQuestion(t *testing.T) {
	turns := []Turn{
		{Role: RoleUser, Content: "anyone there?", Seq: 1},
	}

	got := BuildSummary(turns)
	if got != "Q: anyone there?" {
		t.Errorf("unexpected summary for trailing question: %q", got)
	}
}

func TestBuildSummary_Empty(t *testing.T) {
	if got := BuildSummary(nil); got != "" {
		t.Errorf("expected empty summary, got %q", got)
	}
}

func TestJobID_Deterministic(t *testing.T) {
	rec := ConversationRecord{SessionID: "sess-1", Version: 3}
	if rec.JobID() != "sess-1:v3" {
		t.Errorf("unexpected job id: %s", rec.JobID())
	}
	if JobID("sess-1", 3) != rec.JobID() {
		t.Error("JobID helper disagrees with record method")
	}
}

func TestBuildExcerpt_Clamps(t *testing.T) {
	long := strings.Repeat("y", 900)
	got := BuildExcerpt(long)
	if len(got) > maxExcerptChars+5 {
		t.Errorf("excerpt not clamped, len=%d", len(got))
	}
}

func TestFormatContext_RendersExcerpts(t *testing.T) {
	bundle := &ContextBundle{
		Excerpts: []Excerpt{
			{SessionID: "sess-1", Version: 2, Score: 0.83, Text: "Q: how do I rotate keys?\nA: Settings > API Keys."},
			{SessionID: "sess-9", Version: 1, Score: 0.61, Text: "Q: what timezone am I in?"},
		},
	}

	got := bundle.FormatContext()
	if !strings.HasPrefix(got, "Relevant context from past conversations:\n") {
		t.Errorf("missing header: %q", got)
	}
	if !strings.Contains(got, "(sess-1 v2, similarity=0.83)") {
		t.Errorf("first excerpt not rendered: %q", got)
	}
	if !strings.Contains(got, "(sess-9 v1, similarity=0.61)") {
		t.Errorf("second excerpt not rendered: %q", got)
	}
}

func TestFormatContext_StopsAtBudget(t *testing.T) {
	long := strings.Repeat("z", 300)
	bundle := &ContextBundle{}
	for i := 0; i < 20; i++ {
		bundle.Excerpts = append(bundle.Excerpts, Excerpt{SessionID: "s", Version: int64(i), Text: long})
	}

	got := bundle.FormatContext()
	lines := strings.Count(got, "\n- ") + 1
	if lines >= 20 {
		t.Errorf("budget not applied: rendered %d lines", lines)
	}
}

func TestFormatContext_Empty(t *testing.T) {
	bundle := &ContextBundle{}
	if got := bundle.FormatContext(); got != "" {
		t.Errorf("expected empty render, got %q", got)
	}
}
