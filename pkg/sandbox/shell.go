package sandbox

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/models"
)

// VenvDir is the per-task virtualenv the wrapper puts first on PATH so
// runtime pip installs work without root.
const VenvDir = "/work/.venv"

// Output fed back to the model is clipped to this many trailing chars.
const outputClip = 12000

var (
	cdRe     = regexp.MustCompile(`^cd\s+(.+)$`)
	exportRe = regexp.MustCompile(`^export\s+(.+)$`)
	envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	chainRe  = regexp.MustCompile(`\s*(?:&&|;)\s*`)
)

// ShQuote single-quotes s for POSIX shells.
func ShQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Session simulates a persistent shell inside one sandbox. Each Run
// re-applies the tracked cwd and exported variables, so consecutive
// commands behave as if they shared a shell.
type Session struct {
	backend Backend
	sb      *Sandbox
	timeout time.Duration

	cwd    string
	env    map[string]string
	denyRe []*regexp.Regexp
}

// NewSession wraps a started sandbox. The deny patterns are compiled
// once; an invalid pattern is a programming error and panics.
func NewSession(backend Backend, sb *Sandbox, maxToolSeconds int) *Session {
	deny := make([]*regexp.Regexp, 0, len(config.DenyPatterns))
	for _, pat := range config.DenyPatterns {
		deny = append(deny, regexp.MustCompile(pat))
	}
	return &Session{
		backend: backend,
		sb:      sb,
		timeout: time.Duration(maxToolSeconds) * time.Second,
		cwd:     "/work",
		env:     map[string]string{},
		denyRe:  deny,
	}
}

// Cwd returns the session's current working directory.
func (s *Session) Cwd() string { return s.cwd }

func (s *Session) denyCheck(cmdline string) error {
	for i, re := range s.denyRe {
		if re.MatchString(cmdline) {
			return fmt.Errorf("Denied command pattern matched: %s", config.DenyPatterns[i])
		}
	}
	return nil
}

func (s *Session) normalizeCwd(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return s.cwd, nil
	}
	var resolved string
	if strings.HasPrefix(target, "/") {
		resolved = path.Clean(target)
	} else {
		resolved = path.Clean(path.Join(s.cwd, target))
	}
	ok := resolved == "/work" || strings.HasPrefix(resolved, "/work/") ||
		resolved == "/input" || strings.HasPrefix(resolved, "/input/")
	if !ok {
		return "", fmt.Errorf("Denied cwd outside /work or /input")
	}
	return resolved, nil
}

// updateState tracks leading cd and export segments chained with && or
// ;. Parsing stops at the first segment that is neither, so state from
// conditionals deeper in the command is not captured.
func (s *Session) updateState(cmdline string) error {
	cmdline = strings.TrimSpace(cmdline)
	if cmdline == "" {
		return nil
	}
	for _, part := range chainRe.Split(cmdline, -1) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if m := cdRe.FindStringSubmatch(part); m != nil {
			target := strings.TrimSpace(m[1])
			if len(target) >= 2 {
				if (target[0] == '"' && target[len(target)-1] == '"') ||
					(target[0] == '\'' && target[len(target)-1] == '\'') {
					target = target[1 : len(target)-1]
				}
			}
			cwd, err := s.normalizeCwd(target)
			if err != nil {
				return err
			}
			s.cwd = cwd
			continue
		}
		if m := exportRe.FindStringSubmatch(part); m != nil {
			for _, tok := range strings.Fields(m[1]) {
				key, val, found := strings.Cut(tok, "=")
				if !found || !envKeyRe.MatchString(key) {
					continue
				}
				s.env[key] = strings.Trim(val, `"'`)
			}
			continue
		}
		break
	}
	return nil
}

// wrap prepends the session prologue: cwd, the venv activation exports,
// writable cache locations, and any exports captured from earlier
// commands.
func (s *Session) wrap(cmdline string) string {
	keys := make([]string, 0, len(s.env))
	for k := range s.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var exports strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&exports, "export %s=%s; ", k, ShQuote(s.env[k]))
	}

	prefix := fmt.Sprintf(
		"cd %s; "+
			"export VIRTUAL_ENV=%s; "+
			"export PATH=%s:$PATH; "+
			"export XDG_CACHE_HOME=/work/.cache; "+
			"export PIP_CACHE_DIR=/work/.cache/pip; "+
			"export NPM_CONFIG_CACHE=/work/.cache/npm; "+
			"export PLAYWRIGHT_BROWSERS_PATH=/work/.cache/ms-playwright; "+
			"%s",
		ShQuote(s.cwd), ShQuote(VenvDir), ShQuote(VenvDir+"/bin"), exports.String())
	return prefix + cmdline
}

// Run executes one shell command, enforcing the deny list and updating
// the persisted session state. Deny and cwd violations come back as
// observations without touching the sandbox.
func (s *Session) Run(ctx context.Context, cmd string) models.Observation {
	cmd = strings.TrimSpace(cmd)
	if err := s.denyCheck(cmd); err != nil {
		return models.Observation{Error: err.Error(), ErrorType: "command_denied"}
	}
	if err := s.updateState(cmd); err != nil {
		return models.Observation{Error: err.Error(), ErrorType: "cwd_denied"}
	}

	code, out, err := s.backend.Exec(ctx, s.sb, []string{"bash", "-lc", s.wrap(cmd)}, s.timeout)
	if err != nil {
		return models.Observation{Error: err.Error(), ErrorType: "tool_error", Cwd: s.cwd}
	}

	obs := models.Observation{
		ExitCode: &code,
		Output:   tailString(string(out), outputClip),
		Cwd:      s.cwd,
	}
	if code == 124 {
		obs.Hint = fmt.Sprintf("Command timed out after %ds.", int(s.timeout.Seconds()))
	}
	return obs
}

func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
