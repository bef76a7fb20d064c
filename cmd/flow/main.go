package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/labelmint/flow"
	"github.com/labelmint/flow/internal/logging"
	"github.com/labelmint/flow/internal/store"
)

const usage = `flow runs and inspects workflow definitions.

Usage:
  flow validate -f workflow.json
  flow run      -f workflow.json [-input input.json] [-follow]
  flow diagram  -f workflow.json [-format mermaid|png] [-o out]

Environment:
  FLOW_DB_PATH         libsql database path (default: in-memory store)
  FLOW_REDIS_ADDR      redis address, takes precedence over FLOW_DB_PATH
  FLOW_REDIS_PASSWORD  redis password
  FLOW_REDIS_DB        redis database number
  FLOW_CONCURRENCY     worker pool size (default 4)
  FLOW_SCRIPT_TIMEOUT  script node timeout (default 5s)
  FLOW_LOG_LEVEL       debug|info|warn|error (default info)
  FLOW_LOG_FORMAT      json|text (default json)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := slog.New(logging.NewCorrelationHandler(cfg.handler()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(cfg, logger, os.Args[2:])
	case "run":
		err = runExecute(ctx, cfg, logger, os.Args[2:])
	case "diagram":
		err = runDiagram(ctx, cfg, logger, os.Args[2:])
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func runValidate(cfg config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	file := fs.String("f", "", "workflow definition JSON file")
	fs.Parse(args)

	def, err := loadDefinition(*file)
	if err != nil {
		return err
	}

	f, err := newFlow(context.Background(), cfg, logger, true)
	if err != nil {
		return err
	}
	defer f.Close()

	result := f.Validate(def)
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !result.Valid() {
		return fmt.Errorf("workflow %q is invalid", def.ID)
	}
	logger.Info("workflow is valid", "workflow_id", def.ID, "warnings", len(result.Warnings))
	return nil
}

func runExecute(ctx context.Context, cfg config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	file := fs.String("f", "", "workflow definition JSON file")
	inputArg := fs.String("input", "", "input JSON file, or inline JSON object")
	follow := fs.Bool("follow", false, "stream execution events to stdout while running")
	fs.Parse(args)

	def, err := loadDefinition(*file)
	if err != nil {
		return err
	}
	input, err := loadInput(*inputArg)
	if err != nil {
		return err
	}

	f, err := newFlow(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer f.Close()

	if *follow {
		events, cancel, err := f.Watch(ctx, flow.EventFilter{})
		if err != nil {
			return err
		}
		defer cancel()
		go func() {
			enc := json.NewEncoder(os.Stdout)
			for ev := range events {
				enc.Encode(ev)
			}
		}()
	}

	exec, err := f.Execute(ctx, def, input)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(exec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if exec.Status != flow.ExecutionCompleted {
		return fmt.Errorf("execution %s finished with status %s", exec.ID, exec.Status)
	}
	return nil
}

func runDiagram(ctx context.Context, cfg config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("diagram", flag.ExitOnError)
	file := fs.String("f", "", "workflow definition JSON file")
	format := fs.String("format", "mermaid", "output format: mermaid or png")
	out := fs.String("o", "", "output file (default stdout for mermaid, workflow.png for png)")
	execID := fs.String("execution", "", "overlay node statuses from a stored execution")
	fs.Parse(args)

	def, err := loadDefinition(*file)
	if err != nil {
		return err
	}

	f, err := newFlow(ctx, cfg, logger, *execID == "")
	if err != nil {
		return err
	}
	defer f.Close()

	var exec *flow.WorkflowExecution
	if *execID != "" {
		exec, err = f.GetExecution(ctx, *execID)
		if err != nil {
			return err
		}
	}

	switch strings.ToLower(*format) {
	case "mermaid":
		text, err := f.Mermaid(def, exec)
		if err != nil {
			return err
		}
		if *out == "" {
			fmt.Println(text)
			return nil
		}
		return os.WriteFile(*out, []byte(text), 0o644)
	case "png":
		png, err := f.DiagramPNG(def, exec)
		if err != nil {
			return err
		}
		path := *out
		if path == "" {
			path = def.ID + ".png"
		}
		if err := os.WriteFile(path, png, 0o644); err != nil {
			return err
		}
		logger.Info("diagram written", "workflow_id", def.ID, "path", path)
		return nil
	default:
		return fmt.Errorf("unknown diagram format %q", *format)
	}
}

// newFlow builds the engine with the configured store backend. Commands
// that only read the definition pass memoryOnly to skip opening external
// stores.
func newFlow(ctx context.Context, cfg config, logger *slog.Logger, memoryOnly bool) (*flow.Flow, error) {
	opts := flow.Options{
		Logger:        logger,
		Concurrency:   cfg.Concurrency,
		ScriptTimeout: cfg.ScriptTimeout,
	}
	if !memoryOnly {
		st, err := openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		opts.Store = st
	}
	return flow.New(opts)
}

func openStore(ctx context.Context, cfg config) (flow.Store, error) {
	switch {
	case cfg.RedisAddr != "":
		return store.NewRedisStore(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case cfg.DBPath != "":
		return store.NewLibSQLStore(ctx, cfg.DBPath)
	default:
		return nil, nil
	}
}

func loadDefinition(path string) (*flow.WorkflowDefinition, error) {
	if path == "" {
		return nil, fmt.Errorf("missing -f workflow file")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def flow.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &def, nil
}

// loadInput accepts either a path to a JSON file or an inline JSON object.
func loadInput(arg string) (map[string]any, error) {
	if arg == "" {
		return nil, nil
	}
	raw := []byte(arg)
	if !strings.HasPrefix(strings.TrimSpace(arg), "{") {
		var err error
		raw, err = os.ReadFile(arg)
		if err != nil {
			return nil, err
		}
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("parsing input: %w", err)
	}
	return input, nil
}
