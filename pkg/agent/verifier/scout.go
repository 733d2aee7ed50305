package verifier

import (
	"net/url"
	"strings"
)

// Cap reasons for the coverage gate.
const (
	capUnknownChecks       = "unknown_checks_present"
	capInsufficientDomains = "insufficient_independent_citations"
	capMissingCoverage     = "missing_coverage_proof"
)

func evidenceURLs(results []CheckWithResult) []string {
	var urls []string
	for _, item := range results {
		for _, hook := range item.Result.Evidence {
			if hook.Type != "url" {
				continue
			}
			ref := strings.TrimSpace(hook.Ref)
			if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
				urls = append(urls, ref)
			}
		}
	}
	return urls
}

func distinctDomains(urls []string) []string {
	var domains []string
	seen := map[string]bool{}
	for _, u := range urls {
		parsed, err := url.Parse(u)
		if err != nil {
			continue
		}
		host := strings.ToLower(parsed.Host)
		host = strings.TrimPrefix(host, "www.")
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true
		domains = append(domains, host)
	}
	return domains
}

// applyScoutGate enforces Scope, Candidates, Outcomes: a decision whose
// checks came back unknown, whose citations lack two independent
// domains, or whose required coverage check did not pass gets capped at
// score 2 with canned corrective instructions.
func applyScoutGate(d *Decision, needCoverage bool) {
	unknownChecks := 0
	var coverageOK *bool
	for _, item := range d.Checks {
		unknown := checkUnknown(item.Result)
		if unknown {
			unknownChecks++
		}
		if item.Check.Kind == "coverage" {
			ok := strings.EqualFold(strings.TrimSpace(item.Result.Answer), "yes") && !unknown
			coverageOK = &ok
		}
	}

	urls := evidenceURLs(d.Checks)
	domains := distinctDomains(urls)
	if domains == nil {
		domains = []string{}
	}

	var capReasons []string
	if unknownChecks > 0 {
		capReasons = append(capReasons, capUnknownChecks)
	}
	if len(domains) < 2 {
		capReasons = append(capReasons, capInsufficientDomains)
	}
	if needCoverage && (coverageOK == nil || !*coverageOK) {
		capReasons = append(capReasons, capMissingCoverage)
	}

	d.Meta.UnknownChecks = unknownChecks
	d.Meta.EvidenceURLCount = len(urls)
	d.Meta.DistinctDomains = domains
	d.Meta.DistinctDomainCount = len(domains)
	d.Meta.CoverageOK = coverageOK

	if len(capReasons) == 0 {
		return
	}

	d.Meta.ScoreBeforeCap = d.Score
	d.Meta.ScoreCapped = true
	d.Meta.CapReasons = capReasons
	if d.Score > 2 {
		d.Score = 2
	}
	hasReason := func(want string) bool {
		for _, r := range capReasons {
			if r == want {
				return true
			}
		}
		return false
	}
	if hasReason(capInsufficientDomains) {
		d.Instructions = append(d.Instructions,
			"Add at least two independent citations from different domains that directly support the key claim.")
	}
	if hasReason(capMissingCoverage) {
		d.Instructions = append(d.Instructions,
			"State the scope (what counts as a candidate) and cite a source that enumerates the complete candidate set under that scope; then verify the predicate for all candidates.")
	}
	if hasReason(capUnknownChecks) {
		d.Instructions = append(d.Instructions,
			"Resolve unknown checks by retrying with alternative sources/tools; do not claim high confidence while a load-bearing check is unknown.")
	}
	if len(d.Instructions) > 3 {
		d.Instructions = d.Instructions[:3]
	}
	d.Explanation += " [SCOUT gating applied: score capped due to " + strings.Join(capReasons, ", ") + "]"
}
