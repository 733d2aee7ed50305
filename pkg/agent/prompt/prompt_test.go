package prompt

import (
	"strings"
	"testing"

	"github.com/wardenlabs/warden/pkg/models"
)

func testBuilder(maxChars int) *Builder {
	return &Builder{
		SystemPrompt: Load(""),
		SystemRole:   models.RoleSystem,
		MaxChars:     maxChars,
	}
}

func TestBuildLayersInOrder(t *testing.T) {
	st := models.NewEpistemicState()
	st.AddConstraint("need a second source")
	st.AddBlocked("access_blocked: curl https://x")
	st.AddUnresolved("verification pending")

	msgs := testBuilder(100000).Build("find the launch date", nil, "## notes body", st)

	if msgs[0].Role != models.RoleSystem {
		t.Errorf("first message role = %q", msgs[0].Role)
	}
	joined := ""
	for _, m := range msgs {
		joined += m.Content + "\n---\n"
	}
	for _, want := range []string{
		"EPISTEMIC STATE: IN_PROGRESS",
		"PRIMARY TASK:\nfind the launch date",
		"CURRENT NOTES (PINNED):\n## notes body",
		"OPEN CONSTRAINTS:\n- need a second source",
		"UNRESOLVED REASONS:\n- verification pending",
		"BLOCKERS:\n- access_blocked: curl https://x",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("context missing %q", want)
		}
	}
	if idx := strings.Index(joined, "OPEN CONSTRAINTS"); idx < strings.Index(joined, "CURRENT NOTES") {
		t.Error("constraints appear before pinned notes")
	}
}

func TestBuildEmptyNotesWarning(t *testing.T) {
	msgs := testBuilder(100000).Build("task", nil, "   ", models.NewEpistemicState())

	var warned, pinnedEmpty bool
	for _, m := range msgs {
		if strings.Contains(m.Content, "SYSTEM WARNING: notes.md is empty") && m.Role == models.RoleSystem {
			warned = true
		}
		if strings.Contains(m.Content, "CURRENT NOTES (PINNED):\n<empty>") {
			pinnedEmpty = true
		}
	}
	if !warned || !pinnedEmpty {
		t.Errorf("warned=%v pinnedEmpty=%v", warned, pinnedEmpty)
	}
}

func TestBuildSystemRoleUser(t *testing.T) {
	b := testBuilder(100000)
	b.SystemRole = models.RoleUser
	msgs := b.Build("task", nil, "notes", models.NewEpistemicState())
	if msgs[0].Role != models.RoleUser {
		t.Errorf("system prompt role = %q, want user", msgs[0].Role)
	}
}

func TestBuildTrimsOldestHistoryFirst(t *testing.T) {
	long := strings.Repeat("x", 2000)
	tail := []models.Message{
		{Role: models.RoleAssistant, Content: "OLDEST " + long},
		{Role: models.RoleUser, Content: "MIDDLE " + long},
		{Role: models.RoleAssistant, Content: "NEWEST " + long},
	}
	b := testBuilder(len(Load("")) + 3000)
	msgs := b.Build("t", tail, "n", models.NewEpistemicState())

	joined := ""
	for _, m := range msgs {
		joined += m.Content + "\n"
	}
	if strings.Contains(joined, "OLDEST") {
		t.Error("oldest history entry not trimmed")
	}
	if !strings.Contains(joined, "NEWEST") {
		t.Error("newest history entry missing")
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	if Load("does-not-exist") != Load("en") {
		t.Error("unknown profile did not fall back to the default")
	}
	if Load("terse") == Load("en") {
		t.Error("terse profile is not distinct")
	}
}

func TestCompactMessages(t *testing.T) {
	var msgs []models.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, models.Message{Role: models.RoleUser, Content: strings.Repeat("a", 10)})
	}
	out := CompactMessages(msgs, 12, 4000)
	if len(out) != 13 {
		t.Fatalf("len = %d, want 13 (marker + 12)", len(out))
	}
	if !strings.Contains(out[0].Content, "[omitted 8 earlier messages]") {
		t.Errorf("marker = %q", out[0].Content)
	}

	big := []models.Message{{Role: models.RoleUser, Content: strings.Repeat("b", 5000)}}
	out = CompactMessages(big, 12, 4000)
	if len(out[0].Content) <= 4000 {
		t.Error("clip marker missing")
	}
	if !strings.HasSuffix(out[0].Content, "...[truncated 1000 chars]") {
		t.Errorf("unexpected clip suffix: %q", out[0].Content[len(out[0].Content)-40:])
	}
}
