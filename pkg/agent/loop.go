package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/wardenlabs/warden/pkg/agent/parse"
	"github.com/wardenlabs/warden/pkg/agent/policy"
	"github.com/wardenlabs/warden/pkg/agent/prompt"
	"github.com/wardenlabs/warden/pkg/agent/verifier"
	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/llm"
	"github.com/wardenlabs/warden/pkg/models"
	"github.com/wardenlabs/warden/pkg/sandbox"
)

const (
	modelTemperature = 0.2
	modelMaxTokens   = 1200

	maxParseErrorHits   = 5
	maxLengthNudges     = 4
	minToolCallsToJudge = 3
	maxFinalizationHits = 3
)

// Supervisor wires one task run: sandbox, model client, ledgers, policy
// engine, and the verifier, all working against a shared work directory.
type Supervisor struct {
	Cfg     config.Config
	Client  llm.Client
	Backend sandbox.Backend
	Log     *slog.Logger

	// WorkDir is the host directory bind-mounted at /work. InputDir, if
	// non-empty, is mounted read-only at /input.
	WorkDir  string
	InputDir string

	NetworkEnabled bool
	Privileged     bool

	// Env entries exported inside the sandbox (credentials for shell
	// commands). Temperature overrides the default sampling temperature
	// when non-zero.
	Env         []string
	Temperature float32
}

// Run drives the supervision loop for one task and returns the final
// report: a verified answer or a structured UNRESOLVED summary.
func (s *Supervisor) Run(ctx context.Context, task string) (string, error) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}

	temperature := s.Temperature
	if temperature == 0 {
		temperature = modelTemperature
	}

	sb, err := s.Backend.Start(ctx, sandbox.StartOptions{
		WorkDir:        s.WorkDir,
		InputDir:       s.InputDir,
		NetworkEnabled: s.NetworkEnabled,
		Privileged:     s.Privileged,
		Env:            s.Env,
	})
	if err != nil {
		return "", fmt.Errorf("start sandbox: %w", err)
	}
	defer func() {
		if stopErr := s.Backend.Stop(context.Background(), sb); stopErr != nil {
			log.Warn("sandbox stop failed", "error", stopErr)
		}
	}()

	tracer, err := NewTracer(filepath.Join(s.WorkDir, "trace.jsonl"))
	if err != nil {
		return "", err
	}
	defer tracer.Close()

	session := sandbox.NewSession(s.Backend, sb, s.Cfg.MaxToolSeconds)
	shell := func(cmd string) models.Observation { return session.Run(ctx, cmd) }

	tracer.Event(map[string]any{
		"type": "sandbox", "container_id": sb.ContainerID, "name": sb.Name,
		"privileged": sb.Privileged, "network_mode": sb.NetworkMode,
		"mem_limit": sb.MemLimit, "nano_cpus": sb.NanoCPUs, "pids_limit": sb.PidsLimit,
	})
	tracer.Event(map[string]any{"type": "task", "task": task})

	// Bootstrap through the shell so the interaction surface stays
	// shell-only and every runtime write is observable.
	bootCmd := "touch /work/evidence.jsonl /work/move_ledger.jsonl /work/query_ledger.jsonl"
	bootObs := shell(bootCmd)
	tracer.Event(map[string]any{
		"type": "tool", "scope": "runtime", "tool": "shell",
		"args": map[string]any{"cmd": bootCmd}, "obs": bootObs,
	})
	notes := NewNotes(shell, filepath.Join(s.WorkDir, "notes.md"))
	notes.Reset("# Task\n" + task + "\n\n# Log\n")

	streamCtx, cancelStreams := context.WithCancel(ctx)
	defer cancelStreams()
	go streamContainerLogs(streamCtx, s.Backend, sb,
		filepath.Join(s.WorkDir, "container.log"), filepath.Join(s.WorkDir, "container_events.log"))
	go streamContainerEvents(streamCtx, s.Backend, sb,
		filepath.Join(s.WorkDir, "container_events.log"), tracer)

	epistemic := models.NewEpistemicState()
	engine := policy.NewEngine(s.Cfg, task, epistemic)
	ledgers := NewLedgers(s.WorkDir, engine)
	builder := &prompt.Builder{
		SystemPrompt: prompt.Load(s.Cfg.PromptProfile),
		SystemRole:   s.Cfg.SystemRole,
		MaxChars:     s.Cfg.ContextMaxChars,
	}
	verif := &verifier.Verifier{
		Client: s.Client,
		Shell:  verifier.ShellFunc(shell),
		Trace:  tracer.Event,
	}

	log.Info("task started", "negative_claim", engine.NegativeClaim, "max_steps", s.Cfg.MaxSteps)

	var (
		history           []models.Message
		toolCallsMade     int
		parseErrorHits    int
		verifierRounds    int
		stagnationStreak  int
		lastEvidenceCount int
		finalizationHits  int
		lengthNudges      int
		preToolNudges     int
		gradientReminders int
		notesRequired     bool
		pendingGradient   *verifier.Gradient
	)

	for step := 1; step <= s.Cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		history = append(history, s.preTurnNudges(engine)...)
		if s.Cfg.NotesUpdateInterval > 0 && step%s.Cfg.NotesUpdateInterval == 0 {
			notesRequired = true
		}

		notesContent := notes.Read()
		tail := lastMessages(history, s.Cfg.ActionTailMessages)
		msgs := builder.Build(task, tail, notesContent, epistemic)
		if notesRequired {
			intervention := models.Message{
				Role: models.RoleUser,
				Content: fmt.Sprintf(
					"SYSTEM INTERVENTION: It has been %d steps. You must update /work/notes.md with your latest findings/failures before proceeding.",
					s.Cfg.NotesUpdateInterval),
			}
			msgs = append(msgs, intervention)
			for prompt.TotalChars(msgs) > s.Cfg.ContextMaxChars && len(tail) > 0 {
				tail = tail[1:]
				msgs = append(builder.Build(task, tail, notesContent, epistemic), intervention)
			}
		}

		res, err := s.Client.Chat(ctx, msgs, temperature, modelMaxTokens)
		if err != nil {
			return "", fmt.Errorf("model call at step %d: %w", step, err)
		}
		tracer.Event(map[string]any{"type": "assistant", "step": step, "content": policy.ClipHard(res.Content, 20000)})
		tracer.Event(map[string]any{
			"type": "model_io", "step": step,
			"request": map[string]any{
				"messages_total": len(msgs),
				"messages":       prompt.CompactMessages(msgs, prompt.MaxModelIOMessages, prompt.MaxModelIOChars),
				"temperature":    temperature,
				"max_tokens":     modelMaxTokens,
				"model":          s.Cfg.ModelName,
				"system_role":    s.Cfg.SystemRole,
			},
			"response": map[string]any{
				"content":       policy.ClipHard(res.Content, prompt.MaxModelIOResponseChars),
				"finish_reason": res.FinishReason,
				"usage":         res.Usage,
			},
		})
		tracer.Event(map[string]any{
			"type": "model", "scope": "agent", "step": step,
			"latency_s": res.Latency.Seconds(), "usage": res.Usage,
			"finish_reason": res.FinishReason,
			"n_messages":    len(msgs), "input_chars": prompt.TotalChars(msgs),
		})

		calls := parse.ExtractToolCalls(res.Content)
		if len(calls) == 0 {
			parsed := parse.ParseWithThought(res.Content)

			if parsed.Error != "" {
				history = append(history, models.Message{Role: models.RoleAssistant, Content: res.Content})
				if res.FinishReason == "length" {
					notes.LogModelOutput(step, res.Content, "length_truncation")
					history = append(history, models.Message{
						Role:    models.RoleUser,
						Content: "Your response was truncated due to length limits. Please try again, but output a shorter response or split the content into multiple steps.",
					})
					continue
				}
				parseErrorHits++
				tracer.Event(map[string]any{"type": "policy_parse_error", "step": step, "hits": parseErrorHits})
				notes.LogModelOutput(step, res.Content, "parse_error")
				if parseErrorHits >= maxParseErrorHits {
					return "Stopped due to repeated format errors (missing THOUGHT/ACTION). See /work/notes.md.", nil
				}
				history = append(history, models.Message{
					Role: models.RoleUser, Content: "SYSTEM FORMAT ERROR: " + parsed.Error,
				})
				continue
			}

			if pendingGradient != nil {
				gradientReminders++
				tracer.Event(map[string]any{"type": "policy_reminder", "step": step, "gradient_reminders": gradientReminders})
				if gradientReminders <= 4 {
					history = append(history,
						models.Message{Role: models.RoleAssistant, Content: res.Content},
						models.Message{
							Role: models.RoleUser,
							Content: "You have verifier feedback. Use tools to gather missing evidence and make progress now. " +
								"Prefer next_actions when helpful, but you may choose any sensible action.",
						})
					continue
				}
				if gradientReminders > 6 {
					pendingGradient = nil
				}
			}

			answerText := res.Content
			if parsed.ToolArgs != nil {
				if final, ok := parsed.ToolArgs["final"].(string); ok && final != "" {
					answerText = final
				}
			}
			notes.LogModelOutput(step, res.Content, "no_tool")

			if toolCallsMade >= minToolCallsToJudge || policy.FinalizationIntent(res.Content) {
				s.enforceCitationContract(res.Content, epistemic, ledgers)
			}
			// A negative claim may settle as UNRESOLVED only after the step
			// budget is spent and the source-diversity minima are met.
			if engine.NegativeClaim && step >= engine.BudgetSteps && engine.NegativeClaimSatisfied() {
				epistemic.AddUnresolved("negative_claim_evidence_exhausted")
				epistemic.Status = models.StatusUnresolved
			}

			if epistemic.Status == models.StatusUnresolved && ledgers.EvidenceCount() == lastEvidenceCount {
				stagnationStreak++
				if stagnationStreak >= s.Cfg.StagnationLimit && !engine.ForceToolNext {
					engine.ForceToolNext = true
					tracer.Event(map[string]any{
						"type": "policy_stagnation", "step": step,
						"streak": stagnationStreak, "limit": s.Cfg.StagnationLimit,
						"failure_type": engine.LastFailureType, "failure_streak": engine.LastFailureStreak,
					})
					epistemic.AddConstraint(fmt.Sprintf(
						"Stagnation: no new evidence for %d consecutive turns", stagnationStreak))
				}
			} else {
				stagnationStreak = 0
			}
			lastEvidenceCount = ledgers.EvidenceCount()

			if toolCallsMade < minToolCallsToJudge {
				preToolNudges++
				tracer.Event(map[string]any{"type": "policy_pre_tool_nudge", "step": step, "count": preToolNudges})
				nudge := "You have not used tools yet. Use the shell now to make concrete progress. " +
					"You can chain commands with && to do multiple steps in one tool call."
				if preToolNudges > 6 {
					nudge = "Stop planning and run a shell command that gathers evidence."
				}
				history = append(history,
					models.Message{Role: models.RoleAssistant, Content: res.Content},
					models.Message{Role: models.RoleUser, Content: nudge})
				continue
			}

			if res.FinishReason == "length" && lengthNudges < maxLengthNudges {
				lengthNudges++
				tracer.Event(map[string]any{"type": "policy_length_nudge", "step": step, "count": lengthNudges})
				history = append(history,
					models.Message{Role: models.RoleAssistant, Content: res.Content},
					models.Message{Role: models.RoleUser, Content: "Your previous response was truncated. Keep it short and run a shell command now."})
				continue
			}

			verifierRounds++
			decision, verr := verif.DeepVerify(ctx, verifier.Request{
				Task:          task,
				Answer:        answerText,
				NotesSnapshot: notes.Read(),
				TracePath:     filepath.Join(s.WorkDir, "trace.jsonl"),
				EvidencePath:  filepath.Join(s.WorkDir, "evidence.jsonl"),
				ParentStep:    step,
			})
			if verr != nil {
				log.Warn("verification failed", "step", step, "error", verr)
				tracer.Event(map[string]any{"type": "verifier_error", "step": step, "error": verr.Error()})
				history = append(history,
					models.Message{Role: models.RoleAssistant, Content: res.Content},
					models.Message{Role: models.RoleUser, Content: "Verifier unavailable this turn. Continue gathering evidence with tools."})
				continue
			}
			tracer.Event(map[string]any{"type": "verifier", "step": step, "round": verifierRounds, "decision": decision})
			log.Info("verifier round", "step", step, "round", verifierRounds, "score", decision.Score)

			if decision.Score >= 3 {
				epistemic.SetVerified()
				return res.Content, nil
			}

			epistemic.Status = models.StatusUnresolved
			for i, ins := range decision.Instructions {
				if i >= 5 {
					break
				}
				epistemic.AddConstraint(ins)
			}
			for _, reason := range decision.Meta.CapReasons {
				epistemic.AddUnresolved(reason)
			}

			if verifierRounds >= s.Cfg.MaxVerifierRounds {
				epistemic.AddUnresolved("verification_budget_exhausted")
				return "Verifier could not confirm correctness within the verification budget. " +
					"See /work/trace.jsonl and /work/notes.md.\n\n" + res.Content, nil
			}

			feedback := verifier.FormatFeedback(decision)
			tracer.Event(map[string]any{"type": "verifier_to_agent", "step": step, "content": policy.ClipHard(feedback, 12000)})
			if decision.Meta.Gradient != nil {
				tracer.Event(map[string]any{"type": "verifier_gradient", "step": step, "gradient": decision.Meta.Gradient})
				pendingGradient = decision.Meta.Gradient
				gradientReminders = 0
			}
			tracer.Event(map[string]any{"type": "agent_from_verifier", "step": step, "score": decision.Score})
			history = append(history,
				models.Message{Role: models.RoleAssistant, Content: res.Content},
				models.Message{Role: models.RoleUser, Content: feedback})
			continue
		}

		// Tool branch.
		parseErrorHits = 0
		history = append(history, models.Message{Role: models.RoleAssistant, Content: res.Content})
		finalizing := policy.FinalizationIntent(res.Content)

		for _, call := range calls {
			args := call.Args
			if args == nil {
				args = map[string]any{}
			}
			cmd := call.Cmd()

			if pendingGradient != nil {
				matched := gradientMatches(pendingGradient, call.Tool, cmd)
				tracer.Event(map[string]any{
					"type": "policy_choice", "step": step, "matched": matched,
					"tool": call.Tool, "cmd": policy.ClipHard(cmd, 200),
				})
				pendingGradient = nil
				gradientReminders = 0
			}

			m := engine.ClassifyCall(call.Tool, cmd)
			mode := policy.NotesWriteMode(cmd)

			var obs models.Observation
			blocked := false
			switch {
			case call.Tool == "shell" && mode == policy.NotesOverwrite:
				obs = models.Observation{
					Error:     "Action Blocked: Overwriting notes.md is not allowed. Use append (>> or tee -a).",
					ErrorType: "notes_overwrite_blocked",
				}
				tracer.Event(map[string]any{"type": "policy_notes_guard", "step": step, "cmd": policy.ClipHard(cmd, 200)})
				blocked = true
			case call.Tool == "shell" && notesRequired && mode != policy.NotesAppend:
				obs = models.Observation{
					Error:     "Action Blocked: You must update notes.md first (append-only).",
					ErrorType: "notes_update_required",
				}
				tracer.Event(map[string]any{"type": "policy_notes_gate", "step": step, "cmd": policy.ClipHard(cmd, 200)})
				blocked = true
			default:
				if blockObs, hit := engine.QueryMutationBlocked(m); hit {
					obs = blockObs
					tracer.Event(map[string]any{
						"type": "policy_query_mutation", "step": step,
						"query_family": m.QueryFamily, "cmd": policy.ClipHard(cmd, 200),
					})
					ledgers.RecordMove(step, m, engine.LastFailureType, models.OutcomeBlocked)
					if m.QueryFamily != "" {
						ledgers.RecordQuery(step, m, models.OutcomeBlocked)
					}
					blocked = true
				} else if blockObs, hit := engine.DomainShiftBlocked(m); hit {
					obs = blockObs
					tracer.Event(map[string]any{
						"type": "policy_domain_shift", "step": step,
						"domain": m.Domain, "cmd": policy.ClipHard(cmd, 200),
					})
					ledgers.RecordMove(step, m, engine.LastFailureType, models.OutcomeBlocked)
					if m.QueryFamily != "" {
						ledgers.RecordQuery(step, m, models.OutcomeBlocked)
					}
					blocked = true
				}
			}

			if !blocked {
				if call.Tool != "shell" {
					obs = models.Observation{
						Error: fmt.Sprintf("Unknown tool (shell-only mode): %s", call.Tool),
						Hint:  "Use the shell tool only. If you need the internet, do it from the shell.",
					}
				} else {
					obs = session.Run(ctx, cmd)
					if obs.ExitCode != nil && *obs.ExitCode != 0 &&
						strings.Contains(cmd, "echo") && strings.Contains(cmd, "'") &&
						strings.Contains(obs.Output, "command not found") {
						obs.Hint = "Check your quotes. You might have an unescaped single quote inside a single-quoted string."
					}
				}
			}

			obsJSON, _ := json.Marshal(map[string]any{"tool": call.Tool, "obs": obs})
			history = append(history, models.Message{
				Role: models.RoleUser, Content: "OBSERVATION:\n" + policy.ClipHard(string(obsJSON), 12000),
			})
			tracer.Event(map[string]any{"type": "tool", "step": step, "tool": call.Tool, "args": args, "obs": obs})
			evID := ledgers.RecordEvidence(step, call.Tool, args, obs)
			toolCallsMade++
			notes.StepBlock(step, call.Tool, args, obs, evID)
			engine.ForceToolNext = false
			stagnationStreak = 0
			lastEvidenceCount = ledgers.EvidenceCount()

			if !blocked {
				failureType := policy.ClassifyFailure(cmd, obs.Output, obs.ExitCode, obs.ErrorType, obs.Error)
				outcome := models.OutcomeOK
				if failureType != "" {
					outcome = models.OutcomeFailed
				}
				ledgers.RecordMove(step, m, failureType, outcome)
				if m.QueryFamily != "" {
					ledgers.RecordQuery(step, m, outcome)
				}
				if call.Tool == "shell" && mode == policy.NotesAppend {
					notesRequired = false
				}
				engine.AfterExecution(m)
			}

			if call.Tool == "shell" && finalizing && policy.WritesFinalLikeFile(cmd) {
				finalizationHits++
				tracer.Event(map[string]any{"type": "policy_finalization_stop", "step": step, "hits": finalizationHits})
				if finalizationHits >= maxFinalizationHits {
					return "Final deliverables appear to be written under /work. Stopping to prevent a tool loop.", nil
				}
			}
		}
	}

	if epistemic.Status != models.StatusVerified {
		return fmt.Sprintf(
			"UNRESOLVED: Evidence requirements not satisfied within the step budget.\n"+
				"Status: %s\nConstraints: %v\nBlocked: %v\nUnresolved: %v\n"+
				"See /work/notes.md and /work/evidence.jsonl.",
			epistemic.Status, epistemic.Constraints, epistemic.Blocked, epistemic.Unresolved), nil
	}
	return "Did not reach a verifiable final answer within the step budget. See /work/notes.md.", nil
}

// preTurnNudges converts the engine's force flags into user advisories
// for the next turn. Flags stay set until the engine observes a move
// that satisfies them.
func (s *Supervisor) preTurnNudges(engine *policy.Engine) []models.Message {
	var msgs []models.Message
	if engine.ForceToolNext {
		text := "STAGNATION DETECTED: You must run a tool now to obtain new evidence."
		if engine.LastFailureType != "" {
			text += fmt.Sprintf(" Previous failures: %s. Try a different source/tool.", engine.LastFailureType)
		}
		if engine.LastFailureStreak >= s.Cfg.FailureEscalationLimit {
			text += " Escalate to a different acquisition path (alternate domain, API, or browser automation)."
		}
		msgs = append(msgs, models.Message{Role: models.RoleUser, Content: text})
	}
	if engine.ForceQueryMutation {
		msgs = append(msgs, models.Message{
			Role: models.RoleUser,
			Content: "QUERY MUTATION REQUIRED: propose a materially different query before retrying. " +
				"Use different keywords, synonyms, or a different formulation.",
		})
	}
	if engine.ForceMoveChange {
		msgs = append(msgs, models.Message{
			Role: models.RoleUser,
			Content: "MOVE CHANGE REQUIRED: change your search move type (reformulate or domain shift). " +
				"Avoid repeating the same move.",
		})
	}
	if engine.ForceSourceShift {
		msgs = append(msgs, models.Message{
			Role: models.RoleUser,
			Content: "SOURCE CLASS SHIFT REQUIRED: switch to a different source class " +
				"(e.g., registry → primary literature → regulatory → commentary).",
		})
	}
	if engine.ForceDomainShift {
		msgs = append(msgs, models.Message{
			Role: models.RoleUser,
			Content: fmt.Sprintf(
				"DOMAIN SHIFT REQUIRED: use a different domain than the last attempt. "+
					"For negative-claim tasks, ensure at least %d official domains and %d independent domains are checked.",
				s.Cfg.NegativeClaimMinOfficial, s.Cfg.NegativeClaimMinIndependent),
		})
	}
	return msgs
}

// enforceCitationContract validates a finalizing response: it must carry
// a STATUS_UPDATE and cite only evidence ids the ledger issued.
func (s *Supervisor) enforceCitationContract(resp string, epistemic *models.EpistemicState, ledgers *Ledgers) {
	status := policy.ExtractStatusUpdate(resp)
	if status == "" {
		epistemic.Status = models.StatusUnresolved
		epistemic.AddConstraint("Missing STATUS_UPDATE")
	} else {
		upper := strings.ToUpper(status)
		switch {
		case strings.Contains(upper, "UNRESOLVED"):
			epistemic.Status = models.StatusUnresolved
			epistemic.AddUnresolved(status)
		case strings.Contains(upper, "BLOCKED"):
			epistemic.Status = models.StatusBlocked
			epistemic.AddBlocked(status)
		case strings.Contains(upper, "VERIFIED"):
			if len(epistemic.Constraints) == 0 {
				epistemic.Status = models.StatusVerified
			}
		}
	}

	used := policy.ExtractEvidenceUsed(resp)
	if len(used) == 0 {
		epistemic.Status = models.StatusUnresolved
		epistemic.AddConstraint("Missing EVIDENCE_USED")
		return
	}
	var unknown []string
	for _, id := range used {
		if !ledgers.HasEvidence(id) {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		epistemic.Status = models.StatusUnresolved
		epistemic.AddConstraint(fmt.Sprintf("Unknown EVIDENCE_USED ids: %v", unknown))
	}
}

func gradientMatches(g *verifier.Gradient, tool, cmd string) bool {
	for _, na := range g.NextActions {
		for _, st := range na.SuggestedTools {
			if st.Tool == tool && st.Cmd == cmd {
				return true
			}
		}
	}
	return false
}

func lastMessages(history []models.Message, n int) []models.Message {
	if n > 0 && len(history) > n {
		return history[len(history)-n:]
	}
	return history
}
