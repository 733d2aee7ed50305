// Package policy derives search dimensions from tool calls (domain,
// query family, source class, move type) and enforces the exploration
// gates built on them: query mutation, domain shift, move stagnation,
// and the notes append-only discipline.
package policy

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	urlRe        = regexp.MustCompile(`https?://[^\s"'<>]+`)
	tokenRe      = regexp.MustCompile(`[A-Za-z0-9]{3,}`)
	queryTokenRe = regexp.MustCompile(`[a-z0-9]+`)
	pdfRe        = regexp.MustCompile(`(?i)\.pdf(\?|$)`)

	negWordRe   = regexp.MustCompile(`\b(not|no|never|false|yet|still|actually|really)\b`)
	negLaunchRe = regexp.MustCompile(`\b(has\s+.*\s+launched|released)\b`)
	negIsOutRe  = regexp.MustCompile(`\b(is|are)\s+.*\b(out|launched|released)\b`)

	statusUpdateRe = regexp.MustCompile(`(?i)\bSTATUS_UPDATE\s*:\s*(.+)`)
	evidenceUsedRe = regexp.MustCompile(`(?i)\bEVIDENCE_USED\s*:\s*(.+)`)
	idSplitRe      = regexp.MustCompile(`[,\s]+`)

	accessBlockedRe = regexp.MustCompile(`(?i)\b(403|forbidden|access denied|captcha|cloudflare)\b`)
	authRequiredRe  = regexp.MustCompile(`(?i)\b(401|unauthorized)\b`)
	rateLimitedRe   = regexp.MustCompile(`(?i)\b(429|rate limit|too many requests)\b`)

	notesAppendRedirRe = regexp.MustCompile(`>>\s*[^\n]*notes\.md`)
	notesTeeAppendRe   = regexp.MustCompile(`\btee\b[^\n]*\s(-a|--append)\b[^\n]*notes\.md`)
	notesCatRe         = regexp.MustCompile(`\bcat\b\s+>.*notes\.md`)
	notesTeeRe         = regexp.MustCompile(`\btee\b[^\n]*notes\.md`)
	notesTruncateRe    = regexp.MustCompile(`\btruncate\b[^\n]*notes\.md`)
	notesRmRe          = regexp.MustCompile(`\brm\b[^\n]*notes\.md`)
	notesMvRe          = regexp.MustCompile(`\bmv\b[^\n]*notes\.md`)
	notesCpRe          = regexp.MustCompile(`\bcp\b[^\n]*notes\.md`)
)

var searchDomainSuffixes = []string{
	"google.com",
	"bing.com",
	"duckduckgo.com",
	"search.brave.com",
	"yahoo.com",
}

var taskTokenStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "for": true, "and": true,
	"to": true, "in": true, "on": true, "with": true, "by": true, "from": true,
	"official": true, "launch": true, "released": true, "release": true,
	"version": true, "report": true, "true": true, "false": true, "yet": true,
	"still": true, "actually": true, "already": true,
}

var queryStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "for": true, "and": true,
	"to": true, "in": true, "on": true, "with": true, "by": true, "from": true,
}

// Source classes, ordered roughly by authority.
const (
	SourceOfficial          = "official"
	SourceRegulatory        = "regulatory"
	SourceRegistry          = "registry"
	SourcePrimaryLiterature = "primary_literature"
	SourceCommentary        = "commentary"
	SourceUnknown           = "unknown"
)

// Move types.
const (
	MoveInitial     = "initial"
	MoveRetry       = "retry"
	MoveReformulate = "reformulate"
	MoveSameDomain  = "same_domain"
	MoveSourceShift = "source_shift"
	MoveDomainShift = "domain_shift"
	MoveNonSearch   = "non_search"
)

// NormalizeDomain lowercases and strips a leading www.
func NormalizeDomain(domain string) string {
	d := strings.ToLower(domain)
	return strings.TrimPrefix(d, "www.")
}

// IsSearchDomain reports whether the domain belongs to a web search
// engine. Search engines never count as official or independent
// sources.
func IsSearchDomain(domain string) bool {
	d := NormalizeDomain(domain)
	if d == "" {
		return false
	}
	for _, suffix := range searchDomainSuffixes {
		if strings.HasSuffix(d, suffix) {
			return true
		}
	}
	return false
}

// TaskDomainTokens extracts the task's distinguishing tokens, used to
// recognize official domains by name overlap.
func TaskDomainTokens(task string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range tokenRe.FindAllString(task, -1) {
		tl := strings.ToLower(tok)
		if !taskTokenStopWords[tl] {
			out[tl] = true
		}
	}
	return out
}

// IsNegativeClaimTask detects tasks whose expected answer may be an
// absence claim ("X has not launched"). Those get stricter source
// diversity requirements.
func IsNegativeClaimTask(task string) bool {
	if task == "" {
		return false
	}
	t := strings.ToLower(task)
	return negWordRe.MatchString(t) || negLaunchRe.MatchString(t) || negIsOutRe.MatchString(t)
}

// ExtractURLs returns every http(s) URL in text, in order.
func ExtractURLs(text string) []string {
	if text == "" {
		return nil
	}
	return urlRe.FindAllString(text, -1)
}

// ExtractDomain returns the normalized host of a URL, or "".
func ExtractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return NormalizeDomain(u.Host)
}

var queryParamKeys = []string{"q", "query", "search", "s", "text", "keyword", "term"}

var queryPathMarkers = []string{"/search/", "/query/", "/name/", "/compound/name/", "/wiki/"}

// ExtractQueryFromURL pulls the human query out of a URL: well-known
// query parameters first, then path markers like /wiki/<title>.
func ExtractQueryFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	values := u.Query()
	for _, key := range queryParamKeys {
		if vs, ok := values[key]; ok && len(vs) > 0 && vs[0] != "" {
			if dec, err := url.QueryUnescape(vs[0]); err == nil {
				return dec
			}
			return vs[0]
		}
	}
	path := u.Path
	if dec, err := url.PathUnescape(path); err == nil {
		path = dec
	}
	for _, marker := range queryPathMarkers {
		if idx := strings.Index(path, marker); idx >= 0 {
			tail := strings.Trim(path[idx+len(marker):], "/")
			if tail != "" && len(tail) < 120 {
				return strings.ReplaceAll(tail, "_", " ")
			}
		}
	}
	return ""
}

// NormalizeQuery canonicalizes a query into its family: decoded,
// lowercased, alphanumeric tokens only, stop words dropped, tokens
// sorted. Sorting makes "foo launch date" and "launch date foo" the
// same family.
func NormalizeQuery(q string) string {
	if q == "" {
		return ""
	}
	if dec, err := url.QueryUnescape(q); err == nil {
		q = dec
	}
	q = strings.ToLower(q)
	var tokens []string
	for _, tok := range queryTokenRe.FindAllString(q, -1) {
		if !queryStopWords[tok] {
			tokens = append(tokens, tok)
		}
	}
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// ClassifyFailure labels a failed acquisition from the command and its
// output. Empty string means no failure.
func ClassifyFailure(cmd, output string, exitCode *int, errorType, errorMsg string) string {
	failure := ""
	switch {
	case strings.HasPrefix(errorType, "notes_"):
		failure = ""
	case errorType != "":
		failure = errorType
	case errorMsg != "":
		failure = "tool_error"
	case exitCode != nil && *exitCode != 0:
		failure = "tool_error"
	}

	if cmd != "" {
		if failure == "" && accessBlockedRe.MatchString(output) {
			failure = "access_blocked"
		}
		if failure == "" && authRequiredRe.MatchString(output) {
			failure = "auth_required"
		}
		if failure == "" && rateLimitedRe.MatchString(output) {
			failure = "rate_limited"
		}
		if failure == "" && (strings.Contains(cmd, "curl") || strings.Contains(cmd, "wget")) &&
			strings.TrimSpace(output) == "" {
			failure = "empty_response"
		}
	}
	return failure
}

// Notes write modes.
const (
	NotesAppend    = "append"
	NotesOverwrite = "overwrite"
)

// NotesWriteMode classifies how a command touches notes.md: "append",
// "overwrite", or "" for read-only access.
func NotesWriteMode(cmd string) string {
	if cmd == "" || !strings.Contains(cmd, "notes.md") {
		return ""
	}
	c := strings.ToLower(cmd)
	if notesAppendRedirRe.MatchString(c) || notesTeeAppendRe.MatchString(c) || strings.Contains(c, "notes_append") {
		return NotesAppend
	}
	if overwriteRedirection(c) {
		return NotesOverwrite
	}
	if notesCatRe.MatchString(c) || notesTeeRe.MatchString(c) || notesTruncateRe.MatchString(c) ||
		notesRmRe.MatchString(c) || notesMvRe.MatchString(c) || notesCpRe.MatchString(c) {
		return NotesOverwrite
	}
	if strings.Contains(c, "write_text") || strings.Contains(c, "write(") || strings.Contains(c, "notes_reset") {
		return NotesOverwrite
	}
	return ""
}

// overwriteRedirection matches a single > aimed at notes.md, excluding
// the >> append form.
func overwriteRedirection(c string) bool {
	for i := 0; i < len(c); i++ {
		if c[i] != '>' {
			continue
		}
		if i > 0 && c[i-1] == '>' {
			continue
		}
		if i+1 < len(c) && c[i+1] == '>' {
			i++
			continue
		}
		rest := c[i+1:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[:nl]
		}
		if strings.Contains(rest, "notes.md") {
			return true
		}
	}
	return false
}

var finalizationMarkers = []string{
	"final answer",
	"final output",
	"final deliverable",
	"final deliverables",
	"final report",
	"final summary",
	"all the information i need",
	"complete final",
	"deliverables as requested",
}

// FinalizationIntent reports whether the model is declaring its work
// finished.
func FinalizationIntent(text string) bool {
	if text == "" {
		return false
	}
	t := strings.ToLower(text)
	for _, m := range finalizationMarkers {
		if strings.Contains(t, m) {
			return true
		}
	}
	return false
}

var finalFileKeywords = []string{
	"final", "deliverable", "answer", "summary", "report", "output", "visual", "stability",
}

// WritesFinalLikeFile reports whether cmd writes a deliverable-looking
// file under /work.
func WritesFinalLikeFile(cmd string) bool {
	if cmd == "" {
		return false
	}
	c := strings.ToLower(cmd)
	if !strings.Contains(c, ">") && !strings.Contains(c, "tee") {
		return false
	}
	if !strings.Contains(c, "/work") && !strings.Contains(c, "cd /work") {
		return false
	}
	for _, k := range finalFileKeywords {
		if strings.Contains(c, k) {
			return true
		}
	}
	return false
}

// ExtractStatusUpdate returns the STATUS_UPDATE line's value, or "".
func ExtractStatusUpdate(text string) string {
	m := statusUpdateRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// ExtractEvidenceUsed returns the cited evidence ids from an
// EVIDENCE_USED line, accepting a JSON list or loose separators.
func ExtractEvidenceUsed(text string) []string {
	m := evidenceUsedRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	blob := strings.TrimSpace(m[1])
	if ids := parseJSONStringList(blob); ids != nil {
		return ids
	}
	var out []string
	for _, p := range idSplitRe.Split(blob, -1) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ClipText truncates text at maxChars with an explicit marker so the
// reader knows content was dropped.
func ClipText(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars] + "...[truncated " + strconv.Itoa(len(text)-maxChars) + " chars]"
}

func parseJSONStringList(blob string) []string {
	var raw []any
	if err := json.Unmarshal([]byte(blob), &raw); err != nil {
		return nil
	}
	out := []string{}
	for _, v := range raw {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
