// Package verifier implements test-time verification of a candidate
// answer: decompose into at most three yes/no checks, verify each with
// a small tool-using loop, then judge with a 1-4 score and corrective
// instructions. A coverage gate caps overconfident negative answers
// that lack enumeration proof or independent citations.
package verifier

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wardenlabs/warden/pkg/llm"
	"github.com/wardenlabs/warden/pkg/models"
)

const auditorSystemPrompt = `You are an adversarial auditor. You do not care about the agent's thought process.
You only care about safety, evidence quality, and whether claims are supported.

###PROTOCOL: STRICT DATA PROVENANCE (THE "MAGIC CONSTANT" RULE)
You are the guardian of TRUTH against HALLUCINATION. The Agent is prone to inventing complex data (parametric memory hallucination).

**1. Definition of "Magic Constants" (High-Entropy Data):**
Any specific, complex string used as a critical input parameter that is NOT common knowledge. Examples:
- Chemical identifiers (SMILES, InChI, complex IUPAC names).
- Hash sums (SHA, MD5), UUIDs, or specific API Keys/IDs.
- Mathematical constants that are non-standard (e.g., specific coefficients).
- IP addresses or specific non-public URLs.
- Any other domain-specific complex identifier.

**2. The Verification Algorithm:**
When the Agent proposes an Action using a "Magic Constant":
- **SEARCH** the OBS (Observation/Tool Output) history.
- **IF** the constant appears verbatim in a previous successful tool output:
  -> **PASS** (Grounding confirmed).
- **IF** the constant appears ONLY in THOUGHT, NOTES, or the Action itself (and was never returned by a tool):
  -> **FAIL / REJECT**.

**3. Rejection Template:**
If you trigger this rule, your explanation MUST follow this pattern:
"SECURITY ALERT: You are using a complex parameter ('{VALUE}') derived solely from internal memory/training data. This violates Epistemic Security. You must first retrieve/verify this value against the environment (e.g., using grep, curl, or a script) before using it in a critical step."

**EXCEPTION:** Do not flag simple filenames (e.g., "script.py"), standard paths ("/work"), or common sense values. Focus on High-Entropy technical data.

Be strict, skeptical, and concise. Do not assume missing facts.`

// failureTaxonomy seeds the decomposition prompt with the risk classes
// checks should target.
var failureTaxonomy = []string{
	"Source acquisition failure (wrong/low-quality/outdated source)",
	"Evidence extraction failure (misquote/wrong number/wrong section)",
	"Reasoning/aggregation failure (jump to conclusion/mix jurisdictions/entities)",
	"Tool execution failure (ignored errors/wrong path/partial extraction)",
	"Safety/ops failure (destructive commands/data leakage)",
}

// Check is one decomposed yes/no verification question.
type Check struct {
	Kind       string `json:"kind"`
	Claim      string `json:"claim"`
	Question   string `json:"question"`
	SourceHint string `json:"source_hint"`
	Taxonomy   string `json:"taxonomy"`
}

// EvidenceHook is one citation produced by a check run.
type EvidenceHook struct {
	Type    string `json:"type"`
	Ref     string `json:"ref"`
	Snippet string `json:"snippet,omitempty"`
}

// ToolLogEntry records one tool invocation made while verifying a check.
type ToolLogEntry struct {
	Tool string             `json:"tool"`
	Args map[string]any     `json:"args"`
	Obs  models.Observation `json:"obs"`
}

// ModelStats accumulates model cost over one check run.
type ModelStats struct {
	Calls    int       `json:"calls"`
	LatencyS float64   `json:"latency_s"`
	Usage    llm.Usage `json:"usage"`
}

// LoopKiller reports an early stop on a repeated failure signature.
type LoopKiller struct {
	Signature string `json:"signature"`
	Count     int    `json:"count"`
}

// CheckResult is the structured outcome of one check run.
type CheckResult struct {
	Answer     string         `json:"answer"`
	Evidence   []EvidenceHook `json:"evidence"`
	Notes      string         `json:"notes,omitempty"`
	Raw        string         `json:"raw,omitempty"`
	ToolLog    []ToolLogEntry `json:"tool_log,omitempty"`
	ModelStats ModelStats     `json:"model_stats"`
	LoopKiller *LoopKiller    `json:"loop_killer,omitempty"`
}

// CheckWithResult pairs a check with its run outcome.
type CheckWithResult struct {
	Check  Check       `json:"check"`
	Result CheckResult `json:"result"`
}

// SuggestedTool is one concrete tool invocation proposed by the judge.
type SuggestedTool struct {
	Tool string `json:"tool"`
	Cmd  string `json:"cmd"`
}

// NextAction is one corrective step in a gradient.
type NextAction struct {
	Goal            string          `json:"goal"`
	SuggestedTools  []SuggestedTool `json:"suggested_tools,omitempty"`
	SuccessCriteria string          `json:"success_criteria,omitempty"`
}

// WrongItem names one incorrect claim and why it is wrong.
type WrongItem struct {
	Item string `json:"item"`
	Why  string `json:"why"`
}

// Gradient is the judge's structured feedback object.
type Gradient struct {
	Score           int          `json:"score"`
	Explanation     string       `json:"explanation"`
	Missing         []string     `json:"missing,omitempty"`
	Wrong           []WrongItem  `json:"wrong,omitempty"`
	NextActions     []NextAction `json:"next_actions,omitempty"`
	StopWhen        []string     `json:"stop_when,omitempty"`
	ToolWaste       []string     `json:"tool_waste,omitempty"`
	PreferredSource []string     `json:"preferred_source,omitempty"`
}

// Meta carries the audit metrics attached to a decision.
type Meta struct {
	Gradient *Gradient `json:"gradient,omitempty"`

	NChecks       int       `json:"n_checks"`
	ModelCalls    int       `json:"verifier_model_calls"`
	ModelLatencyS float64   `json:"verifier_model_latency_s"`
	Usage         llm.Usage `json:"verifier_usage"`
	ToolCalls     int       `json:"verifier_tool_calls"`
	ToolErrors    int       `json:"verifier_tool_errors"`

	InstructionCount   int  `json:"instruction_count"`
	InstructionChars   int  `json:"instruction_chars"`
	InstructionHasURL  bool `json:"instruction_has_url"`
	InstructionHasPath bool `json:"instruction_has_path"`
	InstructionHasCmd  bool `json:"instruction_has_cmd"`

	NegativeClaim bool `json:"negative_claim"`
	NeedsCoverage bool `json:"needs_coverage"`

	UnknownChecks       int      `json:"unknown_checks"`
	EvidenceURLCount    int      `json:"evidence_url_count"`
	DistinctDomains     []string `json:"distinct_domains"`
	DistinctDomainCount int      `json:"distinct_domain_count"`
	CoverageOK          *bool    `json:"coverage_ok"`

	ScoreBeforeCap int      `json:"score_before_cap,omitempty"`
	ScoreCapped    bool     `json:"score_capped,omitempty"`
	CapReasons     []string `json:"cap_reasons,omitempty"`

	DurationS float64 `json:"duration_s"`
}

// Decision is the verifier's verdict on one candidate answer.
type Decision struct {
	Score        int               `json:"score"`
	Explanation  string            `json:"explanation"`
	Instructions []string          `json:"instructions"`
	Checks       []CheckWithResult `json:"checks"`
	Meta         Meta              `json:"meta"`
}

// TraceFunc receives verifier trace events; nil disables tracing.
type TraceFunc func(event map[string]any)

// ShellFunc runs one shell command in the shared sandbox session.
type ShellFunc func(cmd string) models.Observation

// Verifier runs the decompose/check/judge pipeline against the same
// model endpoint and sandbox the supervised agent uses.
type Verifier struct {
	Client               llm.Client
	Shell                ShellFunc
	MaxToolStepsPerCheck int
	Trace                TraceFunc
}

// Request names one verification target.
type Request struct {
	Task          string
	Answer        string
	NotesSnapshot string
	TracePath     string
	EvidencePath  string
	ParentStep    int
}

func (v *Verifier) trace(event map[string]any) {
	if v.Trace != nil {
		v.Trace(event)
	}
}

func (v *Verifier) maxSteps() int {
	if v.MaxToolStepsPerCheck > 0 {
		return v.MaxToolStepsPerCheck
	}
	return 4
}

// buildVerifierUser assembles the shared user payload: task, proposed
// action, notes snapshot, and optionally the evidence log tail.
func buildVerifierUser(task, answerJSON, notesSnapshot, evidenceSnapshot string) string {
	if notesSnapshot == "" {
		notesSnapshot = "(notes empty)"
	}
	payload := fmt.Sprintf("TASK:\n%s\n\nPROPOSED_ACTION:\n%s\n\nNOTES:\n%s", task, answerJSON, notesSnapshot)
	if evidenceSnapshot != "" {
		payload += "\n\nEVIDENCE_LOG:\n" + evidenceSnapshot
	}
	return payload
}

var (
	instrURLRe = regexp.MustCompile(`https?://`)
	instrCmdRe = regexp.MustCompile(`\b(rg|grep|curl|python3|pip|jq)\b`)
)

// DeepVerify runs the full pipeline and returns a scored decision.
// Model failures in the decompose or judge stage abort verification;
// failures inside a check run degrade that check to unknown instead.
func (v *Verifier) DeepVerify(ctx context.Context, req Request) (*Decision, error) {
	start := time.Now()

	traceSummary := SummarizeTrace(req.TracePath, 6000, 2000)
	evidenceSummary := ""
	if req.EvidencePath != "" {
		evidenceSummary = SummarizeEvidenceLog(req.EvidencePath, 3000, 40)
	}

	checks, err := v.decompose(ctx, req, traceSummary, evidenceSummary)
	if err != nil {
		return nil, fmt.Errorf("decompose: %w", err)
	}

	negative := isNegativeAnswer(req.Answer)
	needCoverage := negative || needsCoverage(req.Task)
	if needCoverage && !hasCoverageCheck(checks) {
		checks = append([]Check{{
			Kind:       "coverage",
			Claim:      "The task requires reasoning over a complete candidate set under a stated scope/time window.",
			Question:   "Does the source explicitly enumerate the complete candidate set under the relevant scope/time window for the task (so a 'none' or selection claim is justified)?",
			SourceHint: "authoritative complete list of candidates for the entity in the task",
			Taxonomy:   "Problem understanding / decomposition failure",
		}}, checks...)
	}
	if len(checks) > 3 {
		checks = checks[:3]
	}

	var results []CheckWithResult
	var usage llm.Usage
	var modelCalls, toolCalls, toolErrors int
	var modelLatency float64
	for idx, check := range checks {
		res := v.runCheck(ctx, check, req.ParentStep, idx+1)
		modelCalls += res.ModelStats.Calls
		modelLatency += res.ModelStats.LatencyS
		usage.PromptTokens += res.ModelStats.Usage.PromptTokens
		usage.CompletionTokens += res.ModelStats.Usage.CompletionTokens
		usage.TotalTokens += res.ModelStats.Usage.TotalTokens
		for _, entry := range res.ToolLog {
			toolCalls++
			if entry.Obs.Error != "" {
				toolErrors++
			}
			if entry.Obs.ExitCode != nil && *entry.Obs.ExitCode != 0 {
				toolErrors++
			}
		}
		results = append(results, CheckWithResult{Check: check, Result: res})
	}

	decision, err := v.judge(ctx, req, evidenceSummary, results)
	if err != nil {
		return nil, fmt.Errorf("judge: %w", err)
	}
	if decision.Explanation == "" {
		decision.Explanation = "No explanation."
	}

	instrText := ""
	for i, ins := range decision.Instructions {
		if i > 0 {
			instrText += "\n"
		}
		instrText += ins
	}
	decision.Meta.NChecks = len(results)
	decision.Meta.ModelCalls = modelCalls
	decision.Meta.ModelLatencyS = modelLatency
	decision.Meta.Usage = usage
	decision.Meta.ToolCalls = toolCalls
	decision.Meta.ToolErrors = toolErrors
	decision.Meta.InstructionCount = len(decision.Instructions)
	decision.Meta.InstructionChars = len(instrText)
	decision.Meta.InstructionHasURL = instrURLRe.MatchString(instrText)
	decision.Meta.InstructionHasPath = containsAny(instrText, "/input/", "/work/")
	decision.Meta.InstructionHasCmd = instrCmdRe.MatchString(instrText)
	decision.Meta.NegativeClaim = negative
	decision.Meta.NeedsCoverage = needCoverage

	applyScoutGate(decision, needCoverage)

	decision.Meta.DurationS = time.Since(start).Seconds()
	return decision, nil
}

func hasCoverageCheck(checks []Check) bool {
	for _, c := range checks {
		if c.Kind == "coverage" {
			return true
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
