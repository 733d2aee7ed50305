// Warden supervises one tool-using agent task inside a disposable
// sandbox: build prepares the sandbox image, run drives a supervised
// task to a verified answer, dashboard serves live run telemetry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wardenlabs/warden/pkg/agent"
	"github.com/wardenlabs/warden/pkg/api"
	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/llm"
	"github.com/wardenlabs/warden/pkg/sandbox"
)

const usage = `Usage: warden <command> [flags]

Commands:
  build       Prepare the sandbox image (pull, or build from the bundled Dockerfile)
  run         Supervise one task to a verified answer
  dashboard   Serve the live run dashboard

Run 'warden <command> -h' for command flags.
`

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file, continuing with existing environment", "error", err)
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "build":
		err = runBuild(os.Args[2:])
	case "run":
		err = runTask(os.Args[2:])
	case "dashboard":
		err = runDashboard(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

// loadConfig builds the effective configuration with precedence
// env > warden.yaml > defaults.
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadFile("warden.yaml", config.Defaults())
	if err != nil {
		return cfg, err
	}
	cfg = config.ApplyEnv(cfg)
	return cfg, nil
}

func runBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	force := fs.Bool("force", false, "Rebuild the image even if it is already present")
	fs.Parse(args)

	backend, err := sandbox.NewDockerBackend(slog.Default())
	if err != nil {
		return err
	}
	ctx := context.Background()
	if *force {
		if err := backend.BuildImage(ctx); err != nil {
			return err
		}
	} else if err := backend.EnsureImage(ctx); err != nil {
		return err
	}
	slog.Info("sandbox image ready", "image", config.ImageName)
	return nil
}

func runTask(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	task := fs.String("task", "", "Task prompt (required)")
	workDir := fs.String("work-dir", "./work/run", "Host directory mounted read-write at /work")
	inputDir := fs.String("input-dir", "", "Host directory mounted read-only at /input")
	modelBaseURL := fs.String("model-base-url", "", "OpenAI-compatible base URL (overrides MODEL_BASE_URL)")
	modelName := fs.String("model-name", "", "Model name; empty for single-model servers")
	braveAPIKey := fs.String("brave-api-key", "", "Brave Search API key exported inside the sandbox")
	temperature := fs.Float64("temperature", 0, "Sampling temperature override (0 keeps the default)")
	maxSteps := fs.Int("max-steps", 0, "Step budget override (0 keeps the configured value)")
	promptProfile := fs.String("prompt-profile", "", "System prompt profile override")
	systemRole := fs.String("system-role", "", "Role used for the system prompt: system or user")
	network := fs.Bool("network", true, "Give the sandbox outbound network access")
	privileged := fs.Bool("privileged", true, "Run the sandbox privileged with resource limits cleared (lab mode)")
	fs.Parse(args)

	if *task == "" {
		return errors.New("missing required flag: -task")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *modelBaseURL != "" {
		cfg.ModelBaseURL = *modelBaseURL
	}
	if *modelName != "" {
		cfg.ModelName = *modelName
	}
	if *maxSteps > 0 {
		cfg.MaxSteps = *maxSteps
	}
	if *promptProfile != "" {
		cfg.PromptProfile = *promptProfile
	}
	if *systemRole != "" {
		cfg.SystemRole = *systemRole
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	work, err := filepath.Abs(*workDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(work, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	input := ""
	if *inputDir != "" {
		if input, err = filepath.Abs(*inputDir); err != nil {
			return err
		}
	}

	backend, err := sandbox.NewDockerBackend(slog.Default())
	if err != nil {
		return err
	}

	var env []string
	key := *braveAPIKey
	if key == "" {
		key = os.Getenv("BRAVE_API_KEY")
	}
	if key != "" {
		env = append(env, "BRAVE_API_KEY="+key)
	}

	sup := &agent.Supervisor{
		Cfg:            cfg,
		Client:         llm.NewOpenAIClient(cfg.ModelBaseURL, cfg.ModelName, cfg.ModelTimeout),
		Backend:        backend,
		Log:            slog.Default(),
		WorkDir:        work,
		InputDir:       input,
		NetworkEnabled: *network,
		Privileged:     *privileged,
		Env:            env,
		Temperature:    float32(*temperature),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting run", "work_dir", work, "model", cfg.ModelName, "max_steps", cfg.MaxSteps)
	answer, err := sup.Run(ctx, *task)
	if err != nil {
		return err
	}

	banner := "================================================================================"
	fmt.Println(banner)
	fmt.Println("FINAL ANSWER")
	fmt.Println(banner)
	fmt.Println(answer)
	return nil
}

func runDashboard(args []string) error {
	fs := flag.NewFlagSet("dashboard", flag.ExitOnError)
	baseDir := fs.String("base-dir", ".", "Base dir for resolving relative work_dir paths")
	host := fs.String("host", "127.0.0.1", "Listen host")
	port := fs.Int("port", 8844, "Listen port")
	fs.Parse(args)

	server, err := api.NewServer(*baseDir, slog.Default())
	if err != nil {
		return err
	}
	return server.Run(fmt.Sprintf("%s:%d", *host, *port))
}
