package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/mention-anonymizer/internal/config"
	_ "github.com/johndauphine/mention-anonymizer/internal/driver/mssql"
	_ "github.com/johndauphine/mention-anonymizer/internal/driver/mysql"
	_ "github.com/johndauphine/mention-anonymizer/internal/driver/postgres"
	_ "github.com/johndauphine/mention-anonymizer/internal/driver/sqlite"
	"github.com/johndauphine/mention-anonymizer/internal/exitcodes"
	"github.com/johndauphine/mention-anonymizer/internal/logging"
	"github.com/johndauphine/mention-anonymizer/internal/orchestrator"
	"github.com/johndauphine/mention-anonymizer/internal/plan"
	"github.com/johndauphine/mention-anonymizer/internal/tui"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "anonymize",
		Usage:   "Resumable, chunked anonymization of a person's mentions",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from this file (default: .env when present)",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// Keep stdout clean for the JSON result
			if c.Bool("output-json") {
				logging.SetOutput(os.Stderr)
			}

			return loadEnv(c.String("env-file"))
		},
		Commands: []*cli.Command{
			{
				Name:   "plan",
				Usage:  "Show the requests an action would run, without running them",
				Action: planAction,
				Flags: append(subjectFlags(),
					&cli.BoolFlag{
						Name:  "count",
						Usage: "Count the rows each request would rewrite",
					},
					&cli.BoolFlag{
						Name:    "verbose",
						Aliases: []string{"v"},
						Usage:   "Show the SQL statements (they contain the subject's name)",
					},
				),
			},
			{
				Name:   "step",
				Usage:  "Run one time slice and exit (exit code 3 while work remains)",
				Action: func(c *cli.Context) error { return execute(c, "step") },
				Flags:  append(subjectFlags(), executeFlags()...),
			},
			{
				Name:   "run",
				Usage:  "Run slices until the action completes or gives up",
				Action: func(c *cli.Context) error { return execute(c, "run") },
				Flags:  append(subjectFlags(), executeFlags()...),
			},
			{
				Name:   "status",
				Usage:  "Show the stored progress of an action",
				Action: showStatus,
				Flags:  subjectFlags(),
			},
			{
				Name:   "reset",
				Usage:  "Delete the stored progress so the next step plans again",
				Action: resetAction,
				Flags:  subjectFlags(),
			},
			{
				Name:   "history",
				Usage:  "List previous runs",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "task",
						Usage: "Only runs of this task key",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Maximum number of runs",
					},
				},
			},
			{
				Name:   "health",
				Usage:  "Check database and state store connectivity",
				Action: healthCheck,
			},
			{
				Name:   "config",
				Usage:  "Print the effective configuration with secrets redacted",
				Action: showConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		if code == exitcodes.Incomplete {
			logging.Info("%v", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %s\n", logging.Scrub(err.Error()))
		}
		if exitcodes.IsRecoverable(code) {
			logging.Debug("Exit %d: %s; the same command can be run again", code, exitcodes.Description(code))
		}
		os.Exit(code)
	}
}

func subjectFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "context",
			Usage: "JSON file with the subject's origin and anonymized identities",
		},
		&cli.StringFlag{
			Name:  "class",
			Usage: "Subject class (e.g. Person)",
		},
		&cli.StringFlag{
			Name:  "id",
			Usage: "Subject id",
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "Original friendly name",
		},
		&cli.StringFlag{
			Name:  "email",
			Usage: "Original email address",
		},
		&cli.StringFlag{
			Name:  "anon-name",
			Usage: "Anonymized friendly name",
		},
		&cli.StringFlag{
			Name:  "anon-email",
			Usage: "Anonymized email address",
		},
		&cli.StringFlag{
			Name:  "task",
			Usage: "Task key the progress is stored under (default: <class>:<id>)",
		},
	}
}

func executeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "no-progress",
			Usage: "Disable the progress bar",
		},
		&cli.BoolFlag{
			Name:  "json-progress",
			Usage: "Write JSON progress lines to stderr",
		},
	}
}

// loadEnv loads path, or .env when path is empty and the file exists.
func loadEnv(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if warning := config.PermissionWarning(path, "Env"); warning != "" {
		fmt.Fprint(os.Stderr, warning)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) && !c.IsSet("config") {
		return nil, exitcodes.NewExitError(fmt.Errorf("configuration file not found: %s", configPath), exitcodes.ConfigError)
	}
	return config.Load(configPath)
}

func newOrchestrator(c *cli.Context, opts orchestrator.Options) (*orchestrator.Orchestrator, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	opts.TaskKey = c.String("task")
	return orchestrator.New(c.Context, cfg, opts)
}

// subjectFrom builds the subject from --context and the individual flags.
// Flags override the context document.
func subjectFrom(c *cli.Context) (plan.Subject, error) {
	var s plan.Subject
	if path := c.String("context"); path != "" {
		var err error
		if s, err = orchestrator.LoadSubject(path, c.String("class"), c.String("id")); err != nil {
			return s, err
		}
	} else {
		s.Class = c.String("class")
		s.ID = c.String("id")
	}
	if c.IsSet("name") {
		s.Origin.FriendlyName = c.String("name")
	}
	if c.IsSet("email") {
		s.Origin.Email = c.String("email")
	}
	if c.IsSet("anon-name") {
		s.Anonymized.FriendlyName = c.String("anon-name")
	}
	if c.IsSet("anon-email") {
		s.Anonymized.Email = c.String("anon-email")
	}
	return s, nil
}

// taskKeyFrom resolves the task key of status and reset.
func taskKeyFrom(c *cli.Context) (string, error) {
	if key := c.String("task"); key != "" {
		return key, nil
	}
	s, err := subjectFrom(c)
	if err != nil {
		return "", err
	}
	if s.Class == "" || s.ID == "" {
		return "", exitcodes.NewExitError(fmt.Errorf("--task or --class and --id is required"), exitcodes.ConfigError)
	}
	return s.TaskKey(), nil
}

// signalContext cancels when SIGINT or SIGTERM arrives. The running chunk
// still commits or rolls back before the slice returns.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted. Finishing the current chunk...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func wantJSON(c *cli.Context) bool {
	return c.Bool("output-json") || c.String("output-file") != ""
}

func outputJSON(c *cli.Context, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	if path := c.String("output-file"); path != "" {
		if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
			return fmt.Errorf("writing output file: %w", err)
		}
	}
	if c.Bool("output-json") {
		fmt.Println(string(data))
	}
	return nil
}

func planAction(c *cli.Context) error {
	orch, err := newOrchestrator(c, orchestrator.Options{Verbose: c.Bool("verbose")})
	if err != nil {
		return err
	}
	defer orch.Close()

	s, err := subjectFrom(c)
	if err != nil {
		return err
	}
	res, err := orch.Plan(c.Context, s, c.Bool("count"))
	if err != nil {
		return err
	}
	if wantJSON(c) {
		return outputJSON(c, res)
	}
	fmt.Print(tui.RenderPlan(res))
	return nil
}

// execResult adds the error message to a slice result.
type execResult struct {
	*orchestrator.SliceResult
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

func execute(c *cli.Context, command string) error {
	opts := orchestrator.Options{Progress: !c.Bool("no-progress") && !wantJSON(c)}
	if c.Bool("json-progress") {
		opts.JSONProgress = os.Stderr
	}
	orch, err := newOrchestrator(c, opts)
	if err != nil {
		return err
	}
	defer orch.Close()

	s, err := subjectFrom(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(c.Context)
	defer cancel()

	var res *orchestrator.SliceResult
	var runErr error
	if command == "run" {
		res, runErr = orch.Run(ctx, s)
	} else {
		res, runErr = orch.Step(ctx, s)
	}

	if wantJSON(c) && res != nil {
		out := execResult{SliceResult: res, ExitCode: exitcodes.FromError(runErr)}
		if runErr != nil {
			out.Error = logging.Scrub(runErr.Error())
		}
		if err := outputJSON(c, out); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	} else if res != nil {
		fmt.Printf("%s: %s after %d slices, %d rows rewritten, chunk size %d\n",
			res.TaskKey, res.Outcome, res.Slices, res.Rows, res.ChunkSize)
	}
	return runErr
}

func showStatus(c *cli.Context) error {
	key, err := taskKeyFrom(c)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	res, err := orch.Status(c.Context, key)
	if err != nil {
		return err
	}
	if wantJSON(c) {
		return outputJSON(c, res)
	}
	fmt.Print(tui.RenderStatus(key, res.State))
	return nil
}

func resetAction(c *cli.Context) error {
	key, err := taskKeyFrom(c)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	return orch.Reset(c.Context, key)
}

func showHistory(c *cli.Context) error {
	orch, err := newOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	runs, err := orch.History(c.Context, c.String("task"), c.Int("limit"))
	if err != nil {
		return err
	}
	if wantJSON(c) {
		return outputJSON(c, runs)
	}
	fmt.Print(tui.RenderHistory(runs))
	return nil
}

func healthCheck(c *cli.Context) error {
	orch, err := newOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	res, err := orch.HealthCheck(c.Context)
	if err != nil {
		return err
	}
	if wantJSON(c) {
		if err := outputJSON(c, res); err != nil {
			return err
		}
	} else {
		fmt.Print(tui.RenderHealth(res))
	}
	if !res.Healthy {
		return exitcodes.NewExitError(fmt.Errorf("health check failed"), exitcodes.ConnectionError)
	}
	return nil
}

func showConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg.Sanitized())
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}
