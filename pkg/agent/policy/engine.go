package policy

import (
	"fmt"
	"strings"

	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/models"
)

// Move is one classified tool invocation.
type Move struct {
	Tool        string
	Cmd         string
	URL         string
	Domain      string
	Query       string
	QueryFamily string
	SourceClass string
	MoveType    string
	MoveSig     string
}

// Engine holds the cross-step search state: which domains and query
// families were tried, the current streaks, and the force flags the
// loop turns into pre-turn nudges.
type Engine struct {
	cfg       config.Config
	epistemic *models.EpistemicState

	// NegativeClaim marks tasks whose answer may be an absence claim.
	NegativeClaim bool
	// BudgetSteps is the step count after which a negative-claim task
	// may conclude UNRESOLVED if the source minima are met.
	BudgetSteps int

	taskTokens    map[string]bool
	officialHints map[string]bool

	OfficialChecked    map[string]bool
	IndependentChecked map[string]bool
	DomainAttempts     map[string]int

	lastDomain       string
	haveLastDomain   bool
	lastQueryFamily  string
	lastSourceClass  string
	lastDomainKey    string
	domainSameStreak int

	recentQueryFamilies []string

	lastMoveSig              string
	lastMoveType             string
	moveRepeatStreak         int
	sourceClassFailureStreak int

	LastFailureType   string
	LastFailureStreak int

	ForceToolNext      bool
	ForceQueryMutation bool
	ForceMoveChange    bool
	ForceSourceShift   bool
	ForceDomainShift   bool
}

// NewEngine builds the policy state for one task. Negative-claim tasks
// immediately get the source-diversity constraint pinned into the
// epistemic state.
func NewEngine(cfg config.Config, task string, epistemic *models.EpistemicState) *Engine {
	e := &Engine{
		cfg:                cfg,
		epistemic:          epistemic,
		NegativeClaim:      IsNegativeClaimTask(task),
		BudgetSteps:        cfg.NegativeClaimBudgetSteps(),
		taskTokens:         TaskDomainTokens(task),
		officialHints:      map[string]bool{},
		OfficialChecked:    map[string]bool{},
		IndependentChecked: map[string]bool{},
		DomainAttempts:     map[string]int{},
	}
	if e.NegativeClaim {
		epistemic.AddConstraint(fmt.Sprintf(
			"Negative-claim task: require ≥%d official domains and ≥%d independent domain before concluding "+
				"'no official announcement found in sources checked'. Do not assert non-launch; explicit denial is "+
				"optional (only cite it if found).",
			cfg.NegativeClaimMinOfficial, cfg.NegativeClaimMinIndependent))
	}
	return e
}

// IsOfficialDomain reports whether the domain counts as official for
// this task: seeded hints, government style TLDs, or a name overlap
// with the task's distinguishing tokens.
func (e *Engine) IsOfficialDomain(domain string) bool {
	d := NormalizeDomain(domain)
	if d == "" {
		return false
	}
	if e.officialHints[d] {
		return true
	}
	if strings.HasSuffix(d, ".gov") || strings.HasSuffix(d, ".int") || strings.HasSuffix(d, ".eu") {
		return true
	}
	for tok := range e.taskTokens {
		if tok != "" && strings.Contains(d, tok) {
			return true
		}
	}
	return false
}

// ClassifySource assigns one of the source classes to a URL.
func (e *Engine) ClassifySource(url, domain string) string {
	if domain == "" {
		return SourceUnknown
	}
	d := strings.ToLower(domain)
	if e.IsOfficialDomain(d) {
		return SourceOfficial
	}
	if strings.HasSuffix(d, ".gov") || strings.HasSuffix(d, ".eu") || strings.HasSuffix(d, ".int") {
		return SourceRegulatory
	}
	if containsAny(d, "pubchem", "chemspider", "drugbank", "clinicaltrials", "who.int") {
		return SourceRegistry
	}
	if containsAny(d, "ncbi.nlm.nih.gov", "nih.gov", "pubmed", "pmc") {
		return SourcePrimaryLiterature
	}
	if containsAny(d, "arxiv.org", "biorxiv.org", "medrxiv.org", "doi.org") {
		return SourcePrimaryLiterature
	}
	if containsAny(d, "wikipedia.org", "stackexchange.com", "reddit.com") {
		return SourceCommentary
	}
	if url != "" && pdfRe.MatchString(url) {
		return SourcePrimaryLiterature
	}
	return SourceCommentary
}

// ClassifyCall derives the move dimensions for a tool call without
// mutating any state; AfterExecution commits the move.
func (e *Engine) ClassifyCall(tool, cmd string) Move {
	m := Move{Tool: tool, Cmd: cmd}
	if tool == "shell" {
		if urls := ExtractURLs(cmd); len(urls) > 0 {
			m.URL = urls[0]
			m.Domain = ExtractDomain(m.URL)
			m.Query = ExtractQueryFromURL(m.URL)
			if m.Query != "" {
				m.QueryFamily = NormalizeQuery(m.Query)
			}
		}
	}
	m.SourceClass = e.ClassifySource(m.URL, m.Domain)
	m.MoveType = e.classifyMove(m.Domain, m.QueryFamily, m.SourceClass)
	m.MoveSig = fmt.Sprintf("%s:%s:%s", m.MoveType, orDash(m.Domain), orDash(m.QueryFamily))
	return m
}

func (e *Engine) classifyMove(domain, queryFamily, sourceClass string) string {
	if domain == "" && queryFamily == "" {
		return MoveNonSearch
	}
	if !e.haveLastDomain {
		return MoveInitial
	}
	if domain == e.lastDomain {
		if queryFamily != "" && queryFamily == e.lastQueryFamily {
			return MoveRetry
		}
		if queryFamily != "" && queryFamily != e.lastQueryFamily {
			return MoveReformulate
		}
		return MoveSameDomain
	}
	if sourceClass != "" && e.lastSourceClass != "" && sourceClass != e.lastSourceClass {
		return MoveSourceShift
	}
	return MoveDomainShift
}

// QueryMutationBlocked gates a move whose query family was already
// tried while the mutation window is still filling. The returned
// observation is synthesized without touching the sandbox.
func (e *Engine) QueryMutationBlocked(m Move) (models.Observation, bool) {
	if m.Tool != "shell" || m.QueryFamily == "" {
		return models.Observation{}, false
	}
	if !containsString(e.recentQueryFamilies, m.QueryFamily) {
		return models.Observation{}, false
	}
	if len(e.recentQueryFamilies) >= e.cfg.QueryMutationBudget {
		return models.Observation{}, false
	}
	obs := models.Observation{
		Error: fmt.Sprintf(
			"Action Blocked: query mutation required before retrying. Need %d distinct query families; seen %d.",
			e.cfg.QueryMutationBudget, len(e.recentQueryFamilies)),
		ErrorType: "query_mutation_required",
	}
	e.ForceQueryMutation = true
	return obs, true
}

// RecentQueryFamilies returns the current mutation window size.
func (e *Engine) RecentQueryFamilies() int { return len(e.recentQueryFamilies) }

// DomainSameStreak returns how many consecutive moves hit the last
// domain.
func (e *Engine) DomainSameStreak() int { return e.domainSameStreak }

// MoveRepeatStreak returns how many consecutive moves shared signature.
func (e *Engine) MoveRepeatStreak() int { return e.moveRepeatStreak }

// DomainShiftBlocked gates repeated visits to the same domain on
// negative-claim tasks while the source minima are unmet.
func (e *Engine) DomainShiftBlocked(m Move) (models.Observation, bool) {
	if !e.NegativeClaim || m.Domain == "" {
		return models.Observation{}, false
	}
	if e.lastDomainKey == m.Domain && e.domainSameStreak >= e.cfg.DomainShiftLimit {
		if len(e.OfficialChecked) < e.cfg.NegativeClaimMinOfficial ||
			len(e.IndependentChecked) < e.cfg.NegativeClaimMinIndependent {
			e.ForceDomainShift = true
		}
	}
	if !e.ForceDomainShift || e.lastDomainKey != m.Domain {
		return models.Observation{}, false
	}
	obs := models.Observation{
		Error: "Action Blocked: domain shift required for negative-claim tasks. " +
			"Use a different domain to meet official/independent source minimums.",
		ErrorType: "domain_shift_required",
	}
	return obs, true
}

// ObserveFailure updates the failure streak from one executed call and
// records the blocker in the epistemic state. An empty failureType
// clears the streak.
func (e *Engine) ObserveFailure(failureType, cmd string) {
	if failureType == "" {
		e.LastFailureType = ""
		e.LastFailureStreak = 0
		return
	}
	if failureType == e.LastFailureType {
		e.LastFailureStreak++
	} else {
		e.LastFailureType = failureType
		e.LastFailureStreak = 1
	}
	detail := failureType
	if cmd != "" {
		detail = failureType + ": " + ClipHard(cmd, 200)
	}
	e.epistemic.AddBlocked(detail)
	e.epistemic.Status = models.StatusBlocked
}

// AfterExecution commits an executed (non-blocked) move: domain sets,
// query window, move and source streaks, and the force flags derived
// from them.
func (e *Engine) AfterExecution(m Move) {
	if m.Domain != "" {
		e.DomainAttempts[m.Domain]++
		if e.NegativeClaim && !IsSearchDomain(m.Domain) && len(e.officialHints) == 0 {
			e.officialHints[m.Domain] = true
		}
		isOfficial := e.IsOfficialDomain(m.Domain) ||
			m.SourceClass == SourceOfficial || m.SourceClass == SourceRegulatory || m.SourceClass == SourceRegistry
		if isOfficial {
			e.OfficialChecked[m.Domain] = true
		} else if !IsSearchDomain(m.Domain) {
			e.IndependentChecked[m.Domain] = true
		}
		if e.lastDomainKey == m.Domain {
			e.domainSameStreak++
		} else {
			e.domainSameStreak = 1
			e.ForceDomainShift = false
		}
		e.lastDomainKey = m.Domain
	}

	if m.QueryFamily != "" && !containsString(e.recentQueryFamilies, m.QueryFamily) {
		e.recentQueryFamilies = append(e.recentQueryFamilies, m.QueryFamily)
		if window := max(e.cfg.QueryMutationBudget, 1); len(e.recentQueryFamilies) > window {
			e.recentQueryFamilies = e.recentQueryFamilies[len(e.recentQueryFamilies)-window:]
		}
		e.ForceQueryMutation = false
	}

	if m.MoveSig == e.lastMoveSig && m.MoveType == e.lastMoveType {
		e.moveRepeatStreak++
	} else {
		e.moveRepeatStreak = 0
		e.ForceMoveChange = false
	}

	if m.Domain != "" {
		e.lastDomain = m.Domain
		e.haveLastDomain = true
	}
	if m.QueryFamily != "" {
		e.lastQueryFamily = m.QueryFamily
	}
	e.lastMoveSig = m.MoveSig
	e.lastMoveType = m.MoveType

	if m.SourceClass != "" {
		if e.lastSourceClass == m.SourceClass && e.LastFailureType != "" {
			e.sourceClassFailureStreak++
		} else {
			e.sourceClassFailureStreak = 0
		}
		if e.sourceClassFailureStreak >= e.cfg.FailureEscalationLimit && e.LastFailureType != "" {
			e.ForceSourceShift = true
			e.epistemic.AddConstraint(fmt.Sprintf(
				"Source class stalled: %s failed %d times", m.SourceClass, e.sourceClassFailureStreak))
		}
		if m.SourceClass != e.lastSourceClass {
			e.ForceSourceShift = false
		}
		e.lastSourceClass = m.SourceClass
	}

	if e.epistemic.Status == models.StatusUnresolved && e.moveRepeatStreak >= e.cfg.MoveRepeatLimit {
		e.ForceMoveChange = true
		e.epistemic.AddConstraint(fmt.Sprintf(
			"Move stagnation: repeated %s %d times", m.MoveType, e.moveRepeatStreak))
	}
}

// NegativeClaimSatisfied reports whether enough distinct sources were
// consulted to allow an UNRESOLVED conclusion on a negative claim.
func (e *Engine) NegativeClaimSatisfied() bool {
	return len(e.OfficialChecked) >= e.cfg.NegativeClaimMinOfficial &&
		len(e.IndependentChecked) >= e.cfg.NegativeClaimMinIndependent
}

// ClipHard truncates without a marker.
func ClipHard(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
