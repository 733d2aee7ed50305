package agent

import (
	"fmt"
	"path/filepath"

	"github.com/wardenlabs/warden/pkg/agent/policy"
	"github.com/wardenlabs/warden/pkg/models"
)

// Ledgers owns the three append-only JSONL artifacts: evidence,
// move_ledger, and query_ledger. Ids are dense and monotonic so a
// citation can be validated by set membership.
type Ledgers struct {
	evidencePath string
	movePath     string
	queryPath    string

	evidenceCount int
	moveCount     int
	queryCount    int

	ids    map[string]bool
	engine *policy.Engine
}

// NewLedgers binds the ledger files under workDir.
func NewLedgers(workDir string, engine *policy.Engine) *Ledgers {
	return &Ledgers{
		evidencePath: filepath.Join(workDir, "evidence.jsonl"),
		movePath:     filepath.Join(workDir, "move_ledger.jsonl"),
		queryPath:    filepath.Join(workDir, "query_ledger.jsonl"),
		ids:          map[string]bool{},
		engine:       engine,
	}
}

// HasEvidence reports whether id was ever issued.
func (l *Ledgers) HasEvidence(id string) bool { return l.ids[id] }

// EvidenceCount returns the number of evidence records issued so far.
func (l *Ledgers) EvidenceCount() int { return l.evidenceCount }

// RecordEvidence classifies the observation's failure, feeds the
// failure streak, and appends one evidence record. Blocked calls get
// records too so every notes step block can cite an id.
func (l *Ledgers) RecordEvidence(step int, tool string, args map[string]any, obs models.Observation) string {
	l.evidenceCount++
	id := fmt.Sprintf("ev_%04d", l.evidenceCount)

	cmd := ""
	if tool == "shell" {
		if c, ok := args["cmd"].(string); ok {
			cmd = c
		}
	}
	urls := policy.ExtractURLs(cmd + "\n" + obs.Output)
	if len(urls) > 20 {
		urls = urls[:20]
	}
	if urls == nil {
		urls = []string{}
	}

	failureType := policy.ClassifyFailure(cmd, obs.Output, obs.ExitCode, obs.ErrorType, obs.Error)
	l.engine.ObserveFailure(failureType, cmd)

	rec := models.EvidenceRecord{
		ID:   id,
		TS:   models.UnixNow(),
		Step: step,
		Tool: tool,
		Args: args,
		Obs: models.ObservationClip{
			ExitCode:  obs.ExitCode,
			ErrorType: obs.ErrorType,
			Error:     obs.Error,
			Output:    policy.ClipText(obs.Output, 2000),
		},
		URLs:        urls,
		FailureType: failureType,
	}
	appendJSONL(l.evidencePath, rec)
	l.ids[id] = true
	return id
}

// RecordMove appends one classified move.
func (l *Ledgers) RecordMove(step int, m policy.Move, failureType, outcome string) string {
	l.moveCount++
	id := fmt.Sprintf("mv_%04d", l.moveCount)
	appendJSONL(l.movePath, models.MoveRecord{
		ID:          id,
		TS:          models.UnixNow(),
		Step:        step,
		Tool:        m.Tool,
		Cmd:         m.Cmd,
		URL:         m.URL,
		Domain:      m.Domain,
		Query:       m.Query,
		QueryFamily: m.QueryFamily,
		SourceClass: m.SourceClass,
		MoveType:    m.MoveType,
		MoveSig:     m.MoveSig,
		FailureType: failureType,
		Outcome:     outcome,
	})
	return id
}

// RecordQuery appends the query-dimension projection of a move.
func (l *Ledgers) RecordQuery(step int, m policy.Move, outcome string) string {
	l.queryCount++
	id := fmt.Sprintf("q_%04d", l.queryCount)
	appendJSONL(l.queryPath, models.QueryRecord{
		ID:          id,
		TS:          models.UnixNow(),
		Step:        step,
		URL:         m.URL,
		Domain:      m.Domain,
		Query:       m.Query,
		QueryFamily: m.QueryFamily,
		SourceClass: m.SourceClass,
		MoveType:    m.MoveType,
		Outcome:     outcome,
	})
	return id
}
