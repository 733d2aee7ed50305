package agent

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/agent/policy"
	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/llm"
	"github.com/wardenlabs/warden/pkg/models"
	"github.com/wardenlabs/warden/pkg/sandbox"
)

// fakeBackend satisfies sandbox.Backend without Docker. Execs succeed
// with a fixed output unless exitFor overrides the code; the wrapped
// command lines are recorded for assertions.
type fakeBackend struct {
	mu      sync.Mutex
	execs   []string
	exitFor func(cmd string) int
}

func (b *fakeBackend) Start(ctx context.Context, opts sandbox.StartOptions) (*sandbox.Sandbox, error) {
	return &sandbox.Sandbox{
		ContainerID: "fake-container",
		Name:        "fake",
		NetworkMode: "none",
		WorkDir:     opts.WorkDir,
		InputDir:    opts.InputDir,
	}, nil
}

func (b *fakeBackend) Exec(ctx context.Context, sb *sandbox.Sandbox, argv []string, timeout time.Duration) (int, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cmd := strings.Join(argv, " ")
	b.execs = append(b.execs, cmd)
	code := 0
	if b.exitFor != nil {
		code = b.exitFor(cmd)
	}
	return code, []byte("ok\n"), nil
}

func (b *fakeBackend) Logs(ctx context.Context, sb *sandbox.Sandbox) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (b *fakeBackend) Events(ctx context.Context, sb *sandbox.Sandbox) (<-chan []byte, <-chan error) {
	events := make(chan []byte)
	close(events)
	return events, make(chan error, 1)
}

func (b *fakeBackend) Stop(ctx context.Context, sb *sandbox.Sandbox) error { return nil }

func (b *fakeBackend) executed(substr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.execs {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

// scriptClient replays canned responses in order, repeating the last
// one once the script runs out.
type scriptClient struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (c *scriptClient) Chat(ctx context.Context, messages []models.Message, temperature float32, maxTokens int) (*llm.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.calls
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	c.calls++
	return &llm.Result{
		Content:      c.responses[idx],
		FinishReason: "stop",
		Usage:        llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.MaxSteps = 3
	cfg.NotesUpdateInterval = 0
	cfg.MaxToolSeconds = 5
	return cfg
}

func newTestSupervisor(t *testing.T, cfg config.Config, client llm.Client) (*Supervisor, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{}
	return &Supervisor{
		Cfg:     cfg,
		Client:  client,
		Backend: backend,
		WorkDir: t.TempDir(),
	}, backend
}

func readArtifact(t *testing.T, s *Supervisor, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(s.WorkDir, name))
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

func TestRunPreToolNudgeAndStepBudget(t *testing.T) {
	client := &scriptClient{responses: []string{"I think the answer is 42."}}
	sup, _ := newTestSupervisor(t, testConfig(), client)

	answer, err := sup.Run(context.Background(), "Compute the sum of the numbers in /input/data.txt")
	require.NoError(t, err)
	assert.Contains(t, answer, "UNRESOLVED")

	trace := readArtifact(t, sup, "trace.jsonl")
	assert.Contains(t, trace, `"type":"policy_pre_tool_nudge"`)
	assert.Contains(t, trace, `"type":"task"`)
	assert.Contains(t, trace, `"type":"sandbox"`)
}

func TestRunRepeatedParseErrorsStop(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSteps = 10
	client := &scriptClient{responses: []string{"THOUGHT: still thinking about the plan"}}
	sup, _ := newTestSupervisor(t, cfg, client)

	answer, err := sup.Run(context.Background(), "Compute the sum of the numbers in /input/data.txt")
	require.NoError(t, err)
	assert.Contains(t, answer, "repeated format errors")

	trace := readArtifact(t, sup, "trace.jsonl")
	assert.Contains(t, trace, `"type":"policy_parse_error"`)
}

func TestRunToolCallsFeedLedgers(t *testing.T) {
	client := &scriptClient{responses: []string{
		"THOUGHT: list the workspace\n{\"tool\":\"shell\",\"args\":{\"cmd\":\"ls /work\"}}",
		"THOUGHT: inspect the input\n{\"tool\":\"shell\",\"args\":{\"cmd\":\"head /input/data.txt\"}}",
		"THOUGHT: compute\n{\"tool\":\"shell\",\"args\":{\"cmd\":\"awk '{s+=$1} END {print s}' /input/data.txt\"}}",
	}}
	sup, backend := newTestSupervisor(t, testConfig(), client)

	answer, err := sup.Run(context.Background(), "Compute the sum of the numbers in /input/data.txt")
	require.NoError(t, err)
	assert.Contains(t, answer, "UNRESOLVED")

	assert.True(t, backend.executed("ls /work"), "tool command should reach the sandbox")

	evidence := readArtifact(t, sup, "evidence.jsonl")
	assert.Equal(t, 3, strings.Count(evidence, "\n"))
	assert.Contains(t, evidence, `"id":"ev_0001"`)
	assert.Contains(t, evidence, `"id":"ev_0003"`)

	moves := readArtifact(t, sup, "move_ledger.jsonl")
	assert.Equal(t, 3, strings.Count(moves, "\n"))
	assert.Contains(t, moves, `"id":"mv_0001"`)

	trace := readArtifact(t, sup, "trace.jsonl")
	assert.Contains(t, trace, `"type":"tool"`)
	assert.Contains(t, trace, `"type":"model"`)
	assert.Contains(t, trace, `"type":"model_io"`)
}

func TestRunNotesOverwriteBlocked(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSteps = 1
	client := &scriptClient{responses: []string{
		"THOUGHT: rewrite my notes\n{\"tool\":\"shell\",\"args\":{\"cmd\":\"echo fresh > /work/notes.md\"}}",
	}}
	sup, backend := newTestSupervisor(t, cfg, client)

	_, err := sup.Run(context.Background(), "Compute the sum of the numbers in /input/data.txt")
	require.NoError(t, err)

	evidence := readArtifact(t, sup, "evidence.jsonl")
	assert.Contains(t, evidence, "notes_overwrite_blocked")

	trace := readArtifact(t, sup, "trace.jsonl")
	assert.Contains(t, trace, `"type":"policy_notes_guard"`)

	// The blocked command must never reach the sandbox.
	assert.False(t, backend.executed("echo fresh"))
}

func TestRunFinalizationStop(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSteps = 10
	client := &scriptClient{responses: []string{
		"THOUGHT: I am writing the final answer now.\n{\"tool\":\"shell\",\"args\":{\"cmd\":\"echo 42 > /work/final_answer.txt\"}}",
	}}
	sup, _ := newTestSupervisor(t, cfg, client)

	answer, err := sup.Run(context.Background(), "Compute the sum of the numbers in /input/data.txt")
	require.NoError(t, err)
	assert.Contains(t, answer, "Stopping to prevent a tool loop")

	trace := readArtifact(t, sup, "trace.jsonl")
	assert.Contains(t, trace, `"type":"policy_finalization_stop"`)
}

// routerClient plays every role in the pipeline, dispatching on the
// system prompt: the supervised agent, the verifier decompose stage,
// the per-check agent, and the judge.
type routerClient struct {
	mu         sync.Mutex
	agentTurns int
}

func (c *routerClient) Chat(ctx context.Context, messages []models.Message, temperature float32, maxTokens int) (*llm.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply := func(content string) (*llm.Result, error) {
		return &llm.Result{Content: content, FinishReason: "stop"}, nil
	}

	system := ""
	if len(messages) > 0 {
		system = messages[0].Content
	}
	switch {
	case strings.Contains(system, "decomposition module"):
		return reply(`[{"kind":"support","claim":"The sum matches the input file","question":"Does the computed sum match the numbers in /input/data.txt?","source_hint":"/input/data.txt","taxonomy":"Evidence extraction failure"}]`)
	case strings.Contains(system, "verification agent"):
		return reply(`{"answer":"yes","evidence":[{"type":"url","ref":"https://example.com/a","snippet":"sum is 42"},{"type":"url","ref":"https://example.org/b","snippet":"42 confirmed"}],"notes":"checked"}`)
	case strings.Contains(system, "judge module"):
		return reply(`{"score":4,"explanation":"The sum is supported by the cited sources."}`)
	}

	c.agentTurns++
	if c.agentTurns <= 3 {
		return reply("THOUGHT: gather evidence\n{\"tool\":\"shell\",\"args\":{\"cmd\":\"awk '{s+=$1} END {print s}' /input/data.txt\"}}")
	}
	return reply("The sum is 42.\nSTATUS_UPDATE: VERIFIED\nEVIDENCE_USED: ev_0001 ev_0002")
}

func TestRunVerifiedAnswer(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSteps = 10
	client := &routerClient{}
	sup, _ := newTestSupervisor(t, cfg, client)

	answer, err := sup.Run(context.Background(), "Compute the sum of the numbers in /input/data.txt")
	require.NoError(t, err)
	assert.Contains(t, answer, "The sum is 42.")
	assert.Contains(t, answer, "STATUS_UPDATE: VERIFIED")

	trace := readArtifact(t, sup, "trace.jsonl")
	assert.Contains(t, trace, `"type":"verifier"`)
	assert.Contains(t, trace, `"scope":"verifier_decompose"`)
	assert.Contains(t, trace, `"scope":"verifier_judge"`)
}

func TestRunNegativeClaimEarlyFinalizeKeepsGateClosed(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSteps = 2
	client := &scriptClient{responses: []string{
		"FINAL ANSWER: I could not find any release announcement.\n" +
			"STATUS_UPDATE: UNRESOLVED no sources checked yet\nEVIDENCE_USED: ev_0001",
	}}
	sup, _ := newTestSupervisor(t, cfg, client)

	answer, err := sup.Run(context.Background(), "Verify that the beta firmware has not been released.")
	require.NoError(t, err)
	assert.Contains(t, answer, "UNRESOLVED")
	// With no official or independent sources consulted, the run must
	// not settle the negative claim as evidence-exhausted.
	assert.NotContains(t, answer, "negative_claim_evidence_exhausted")
}

func TestRunNegativeClaimBudgetExhaustedWithMinimaMet(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSteps = 8 // budget threshold at step 4
	client := &scriptClient{responses: []string{
		"THOUGHT: check the vendor newsroom\n{\"tool\":\"shell\",\"args\":{\"cmd\":\"curl -sL https://acme.com/news\"}}",
		"THOUGHT: check the regulator\n{\"tool\":\"shell\",\"args\":{\"cmd\":\"curl -sL https://example.gov/filings\"}}",
		"THOUGHT: check independent coverage\n{\"tool\":\"shell\",\"args\":{\"cmd\":\"curl -sL https://mirror-press.net/archive\"}}",
		"STATUS_UPDATE: UNRESOLVED release absent from the sources checked\nEVIDENCE_USED: ev_0001 ev_0002 ev_0003",
	}}
	sup, backend := newTestSupervisor(t, cfg, client)

	answer, err := sup.Run(context.Background(), "Check that Acme Widget has not been released.")
	require.NoError(t, err)
	assert.True(t, backend.executed("curl -sL https://example.gov/filings"))
	assert.Contains(t, answer, "UNRESOLVED")
	assert.Contains(t, answer, "negative_claim_evidence_exhausted")
}

func TestRunStagnationConstraintAddedOnce(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSteps = 7
	cfg.StagnationLimit = 2
	client := &scriptClient{responses: []string{
		"THOUGHT: list the workspace\n{\"tool\":\"shell\",\"args\":{\"cmd\":\"ls /work\"}}",
		"THOUGHT: inspect the input\n{\"tool\":\"shell\",\"args\":{\"cmd\":\"head /input/data.txt\"}}",
		"THOUGHT: compute\n{\"tool\":\"shell\",\"args\":{\"cmd\":\"awk '{s+=$1} END {print s}' /input/data.txt\"}}",
		"STATUS_UPDATE: UNRESOLVED evidence still thin\nEVIDENCE_USED: ev_0001",
	}}
	sup, _ := newTestSupervisor(t, cfg, client)

	answer, err := sup.Run(context.Background(), "Compute the sum of the numbers in /input/data.txt")
	require.NoError(t, err)
	assert.Contains(t, answer, "for 2 consecutive turns")
	assert.NotContains(t, answer, "for 3 consecutive turns")

	// While ForceToolNext is pending, further evidence-free turns must
	// not stack additional stagnation constraints.
	trace := readArtifact(t, sup, "trace.jsonl")
	assert.Equal(t, 1, strings.Count(trace, `"type":"policy_stagnation"`))
}

func TestRunBlockedMoveCarriesFailureType(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSteps = 2
	cfg.DomainShiftLimit = 1
	client := &scriptClient{responses: []string{
		"THOUGHT: retry the vendor page\n{\"tool\":\"shell\",\"args\":{\"cmd\":\"curl -sL https://acme.dev/news\"}}",
	}}
	sup, backend := newTestSupervisor(t, cfg, client)
	backend.exitFor = func(cmd string) int {
		if strings.Contains(cmd, "curl") {
			return 7
		}
		return 0
	}

	_, err := sup.Run(context.Background(), "Check that Acme has not launched.")
	require.NoError(t, err)

	moves := readArtifact(t, sup, "move_ledger.jsonl")
	blockedLine := ""
	for _, line := range strings.Split(moves, "\n") {
		if strings.Contains(line, `"outcome":"blocked"`) {
			blockedLine = line
		}
	}
	require.NotEmpty(t, blockedLine, "expected a blocked move record")
	assert.Contains(t, blockedLine, `"failure_type":"tool_error"`)
	assert.Contains(t, blockedLine, `"domain":"acme.dev"`)
}

func TestEnforceCitationContract(t *testing.T) {
	sup := &Supervisor{}
	engine := policy.NewEngine(config.Defaults(), "task", models.NewEpistemicState())
	ledgers := NewLedgers(t.TempDir(), engine)
	ledgers.RecordEvidence(1, "shell", map[string]any{"cmd": "ls"}, models.Observation{Output: "ok"})

	t.Run("missing status update", func(t *testing.T) {
		st := models.NewEpistemicState()
		sup.enforceCitationContract("The answer is 42.\nEVIDENCE_USED: ev_0001", st, ledgers)
		assert.Equal(t, models.StatusUnresolved, st.Status)
		assert.Contains(t, st.Constraints, "Missing STATUS_UPDATE")
	})

	t.Run("missing evidence used", func(t *testing.T) {
		st := models.NewEpistemicState()
		sup.enforceCitationContract("STATUS_UPDATE: VERIFIED", st, ledgers)
		assert.Equal(t, models.StatusUnresolved, st.Status)
		assert.Contains(t, st.Constraints, "Missing EVIDENCE_USED")
	})

	t.Run("unknown evidence id", func(t *testing.T) {
		st := models.NewEpistemicState()
		sup.enforceCitationContract("STATUS_UPDATE: VERIFIED\nEVIDENCE_USED: ev_9999", st, ledgers)
		assert.Equal(t, models.StatusUnresolved, st.Status)
		require.Len(t, st.Constraints, 1)
		assert.Contains(t, st.Constraints[0], "ev_9999")
	})

	t.Run("verified with known ids", func(t *testing.T) {
		st := models.NewEpistemicState()
		sup.enforceCitationContract("STATUS_UPDATE: VERIFIED\nEVIDENCE_USED: ev_0001", st, ledgers)
		assert.Equal(t, models.StatusVerified, st.Status)
		assert.Empty(t, st.Constraints)
	})

	t.Run("blocked status honored", func(t *testing.T) {
		st := models.NewEpistemicState()
		sup.enforceCitationContract("STATUS_UPDATE: BLOCKED by paywall\nEVIDENCE_USED: ev_0001", st, ledgers)
		assert.Equal(t, models.StatusBlocked, st.Status)
		assert.Contains(t, st.Blocked, "BLOCKED by paywall")
	})

	t.Run("unresolved reason recorded", func(t *testing.T) {
		st := models.NewEpistemicState()
		sup.enforceCitationContract("STATUS_UPDATE: UNRESOLVED sources disagree\nEVIDENCE_USED: ev_0001", st, ledgers)
		assert.Equal(t, models.StatusUnresolved, st.Status)
		assert.Contains(t, st.Unresolved, "UNRESOLVED sources disagree")
	})
}

func TestLastMessages(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleUser, Content: "a"},
		{Role: models.RoleAssistant, Content: "b"},
		{Role: models.RoleUser, Content: "c"},
	}
	assert.Len(t, lastMessages(history, 2), 2)
	assert.Equal(t, "b", lastMessages(history, 2)[0].Content)
	assert.Len(t, lastMessages(history, 0), 3)
	assert.Len(t, lastMessages(history, 10), 3)
}
