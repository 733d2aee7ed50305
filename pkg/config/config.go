// Package config loads and validates the supervisor configuration.
// All tunables are read once at startup; nothing re-reads the
// environment mid-task, so tests can snapshot a Config value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Sandbox image and container naming.
const (
	ImageName           = "wardenlabs/sandbox-agent:0.2"
	ContainerNamePrefix = "sandbox-agent-"
)

// DenyPatterns are command substrings the sandbox refuses to execute.
// The backend enforces these before dispatch; see sandbox.Session.
var DenyPatterns = []string{
	`\brm\s+-rf\b`,
	`\bdd\b`,
	`\bmkfs\b`,
	`\bmount\b`,
	`\bsudo\b`,
	`\bchown\b`,
	`\bchmod\b\s+777`,
	`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`,
}

// Config is the immutable supervisor configuration. It is built once from
// the environment (plus an optional warden.yaml overlay) and passed by
// value to the loop, the policy engine, and the verifier.
type Config struct {
	// Model transport.
	ModelBaseURL string        `yaml:"model_base_url"`
	ModelName    string        `yaml:"model_name"`
	ModelTimeout time.Duration `yaml:"model_timeout"`

	// Context assembly.
	ContextMaxChars    int `yaml:"context_max_chars"`
	ActionTailMessages int `yaml:"action_tail_messages"`

	// Notes cadence.
	NotesUpdateInterval int `yaml:"notes_update_interval"`

	// Policy thresholds.
	StagnationLimit        int `yaml:"stagnation_limit"`
	FailureEscalationLimit int `yaml:"failure_escalation_limit"`
	QueryMutationBudget    int `yaml:"query_mutation_budget"`
	MoveRepeatLimit        int `yaml:"move_repeat_limit"`
	DomainShiftLimit       int `yaml:"domain_shift_limit"`

	// Negative-claim source-diversity minima.
	NegativeClaimMinOfficial    int     `yaml:"negative_claim_min_official"`
	NegativeClaimMinIndependent int     `yaml:"negative_claim_min_independent"`
	NegativeClaimThresholdPct   float64 `yaml:"negative_claim_threshold_pct"`
	NegativeClaimMaxSteps       int     `yaml:"negative_claim_max_steps"`

	// Loop budgets.
	MaxSteps          int `yaml:"max_steps"`
	MaxVerifierRounds int `yaml:"max_verifier_rounds"`

	// Tool execution.
	MaxToolSeconds int `yaml:"max_tool_seconds"`

	// Prompting.
	PromptProfile string `yaml:"prompt_profile"`
	SystemRole    string `yaml:"system_role"`
}

// Defaults returns the built-in configuration, matching the documented
// environment-variable defaults.
func Defaults() Config {
	return Config{
		ModelBaseURL:                "http://127.0.0.1:1234",
		ModelTimeout:                150 * time.Second,
		ContextMaxChars:             20000,
		ActionTailMessages:          10,
		NotesUpdateInterval:         3,
		StagnationLimit:             3,
		FailureEscalationLimit:      3,
		QueryMutationBudget:         2,
		MoveRepeatLimit:             3,
		DomainShiftLimit:            2,
		NegativeClaimMinOfficial:    2,
		NegativeClaimMinIndependent: 1,
		NegativeClaimThresholdPct:   0.6,
		NegativeClaimMaxSteps:       40,
		MaxSteps:                    120,
		MaxVerifierRounds:           8,
		MaxToolSeconds:              900,
		SystemRole:                  "system",
	}
}

// FromEnv builds a Config from the process environment on top of Defaults.
// Unset or malformed variables keep their default values.
func FromEnv() Config {
	return ApplyEnv(Defaults())
}

// ApplyEnv overrides cfg with any environment variables that are set.
// Unset or malformed variables keep the incoming values, which lets a
// warden.yaml overlay sit between defaults and the environment.
func ApplyEnv(cfg Config) Config {
	cfg.ModelBaseURL = getStr("MODEL_BASE_URL", cfg.ModelBaseURL)
	cfg.ModelName = getStr("MODEL_NAME", cfg.ModelName)
	if secs := getInt("MODEL_TIMEOUT", 0); secs > 0 {
		cfg.ModelTimeout = time.Duration(secs) * time.Second
	}
	cfg.ContextMaxChars = getInt("CONTEXT_MAX_CHARS", cfg.ContextMaxChars)
	cfg.ActionTailMessages = getInt("ACTION_TAIL_MESSAGES", cfg.ActionTailMessages)
	cfg.NotesUpdateInterval = getInt("NOTES_UPDATE_INTERVAL", cfg.NotesUpdateInterval)
	cfg.StagnationLimit = getInt("STAGNATION_LIMIT", cfg.StagnationLimit)
	cfg.FailureEscalationLimit = getInt("FAILURE_ESCALATION_LIMIT", cfg.FailureEscalationLimit)
	cfg.QueryMutationBudget = getInt("QUERY_MUTATION_BUDGET", cfg.QueryMutationBudget)
	cfg.MoveRepeatLimit = getInt("MOVE_REPEAT_LIMIT", cfg.MoveRepeatLimit)
	cfg.DomainShiftLimit = getInt("DOMAIN_SHIFT_LIMIT", cfg.DomainShiftLimit)
	cfg.NegativeClaimMinOfficial = getInt("NEGATIVE_CLAIM_MIN_OFFICIAL", cfg.NegativeClaimMinOfficial)
	cfg.NegativeClaimMinIndependent = getInt("NEGATIVE_CLAIM_MIN_INDEPENDENT", cfg.NegativeClaimMinIndependent)
	cfg.NegativeClaimThresholdPct = getFloat("NEGATIVE_CLAIM_THRESHOLD_PCT", cfg.NegativeClaimThresholdPct)
	cfg.NegativeClaimMaxSteps = getInt("NEGATIVE_CLAIM_MAX_STEPS", cfg.NegativeClaimMaxSteps)
	cfg.MaxSteps = getInt("MAX_STEPS", cfg.MaxSteps)
	cfg.MaxVerifierRounds = getInt("MAX_VERIFIER_ROUNDS", cfg.MaxVerifierRounds)
	cfg.MaxToolSeconds = getInt("MAX_TOOL_SECONDS", cfg.MaxToolSeconds)
	cfg.PromptProfile = getStr("PROMPT_PROFILE", cfg.PromptProfile)
	cfg.SystemRole = getStr("SYSTEM_ROLE", cfg.SystemRole)
	return cfg
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior deep inside the loop.
func (c Config) Validate() error {
	if c.ContextMaxChars <= 0 {
		return fmt.Errorf("context_max_chars must be positive, got %d", c.ContextMaxChars)
	}
	if c.QueryMutationBudget < 1 {
		return fmt.Errorf("query_mutation_budget must be at least 1, got %d", c.QueryMutationBudget)
	}
	if c.NegativeClaimThresholdPct <= 0 || c.NegativeClaimThresholdPct > 1 {
		return fmt.Errorf("negative_claim_threshold_pct must be in (0, 1], got %g", c.NegativeClaimThresholdPct)
	}
	if c.SystemRole != "system" && c.SystemRole != "user" {
		return fmt.Errorf("system_role must be %q or %q, got %q", "system", "user", c.SystemRole)
	}
	if c.MaxVerifierRounds < 1 {
		return fmt.Errorf("max_verifier_rounds must be at least 1, got %d", c.MaxVerifierRounds)
	}
	return nil
}

// NegativeClaimBudgetSteps returns the step count after which a
// negative-claim task may conclude UNRESOLVED, provided the source
// minima are met.
func (c Config) NegativeClaimBudgetSteps() int {
	if c.MaxSteps > 0 {
		n := int(float64(c.MaxSteps) * c.NegativeClaimThresholdPct)
		if n < 1 {
			return 1
		}
		return n
	}
	if c.NegativeClaimMaxSteps < 1 {
		return 1
	}
	return c.NegativeClaimMaxSteps
}

func getStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
