package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nomis52/thingserver/buildinfo"
	"github.com/nomis52/thingserver/config"
	"github.com/nomis52/thingserver/invocation"
	"github.com/nomis52/thingserver/logging"
	"github.com/nomis52/thingserver/metrics"
	"github.com/nomis52/thingserver/server"
	"github.com/nomis52/thingserver/things"
)

type Args struct {
	ConfigPath  string
	Thing       string
	Action      string
	Input       string
	ShowVersion bool
	Validate    bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := parseArgs()

	// Handle version request
	if args.ShowVersion {
		showVersion()
		return nil
	}

	// Validate required config path
	if args.ConfigPath == "" {
		return fmt.Errorf("config flag (-c or --config) is required")
	}

	cfg, err := config.LoadConfig(args.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Handle validation-only request
	if args.Validate {
		fmt.Printf("Configuration validation successful: %s\n", args.ConfigPath)
		return nil
	}

	if args.Thing == "" || args.Action == "" {
		return fmt.Errorf("-thing and -action are required")
	}

	var input json.RawMessage
	if args.Input != "" {
		input = json.RawMessage(args.Input)
	}

	loggerConfig := logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.AddSource,
	}
	logger, err := logging.New(loggerConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	props := buildinfo.Get()
	logger.Info("thingctl started",
		"build_time", props.BuildTime,
		"git_commit", props.GitCommit,
		"config_path", args.ConfigPath,
	)

	set, err := things.Build(cfg.Things, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to build things: %w", err)
	}
	defer set.Close()

	// Push metrics when a remote write endpoint is configured. A one-shot
	// process has nothing to scrape.
	var registry metrics.Registry
	if cfg.Monitoring.VictoriaMetricsURL != "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		registry = metrics.NewPushRegistry(metrics.PushConfig{
			URL:      cfg.Monitoring.VictoriaMetricsURL,
			Prefix:   cfg.Monitoring.MetricsPrefix,
			Job:      cfg.Monitoring.JobName,
			Instance: hostname,
			Logger:   logger.Logger,
		})
	}

	manager, err := server.NewManager(cfg.Invocations, logger, set, registry)
	if err != nil {
		return err
	}

	inv, err := manager.Invoke(args.Thing, args.Action, input)
	if err != nil {
		return fmt.Errorf("failed to invoke action: %w", err)
	}

	// The first signal asks the action to stop, a second one exits.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-inv.Done():
	case <-ctx.Done():
		stop()
		logger.Info("stop requested, waiting for action", "timeout", inv.StopTimeout())
		inv.RequestStop()
		<-inv.Done()
	}

	if err := printResult(os.Stdout, inv); err != nil {
		return err
	}

	if inv.Status() != invocation.StatusCompleted {
		return fmt.Errorf("action finished with status %s", inv.Status())
	}
	return nil
}

// printResult writes the invocation's view followed by its captured log.
func printResult(w io.Writer, inv *invocation.Invocation) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(inv.View(nil)); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	for _, e := range inv.Log() {
		fmt.Fprintf(w, "%s %-5s %s\n", e.Time.Format("15:04:05.000"), e.Level, e.Message)
	}
	return nil
}

func showVersion() {
	props := buildinfo.Get()
	fmt.Printf("thingctl\n")
	fmt.Printf("Built: %s\n", props.BuildTime)
	fmt.Printf("Commit: %s\n", props.GitCommit)
}

func parseArgs() Args {
	configPath := flag.String("config", "", "Path to config file")
	configPathShort := flag.String("c", "", "Path to config file (shorthand)")
	thingPath := flag.String("thing", "", "Path of the thing, e.g. /stage/")
	action := flag.String("action", "", "Name of the action to invoke")
	input := flag.String("input", "", "JSON input for the action")
	showVersion := flag.Bool("version", false, "Show version information")
	versionShort := flag.Bool("v", false, "Show version information (shorthand)")
	validate := flag.Bool("validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nRuns one action of a configured thing and prints the result\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -c config.yaml -thing /stage/ -action move -input '{\"distance\":10}'\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --version\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config config.yaml --validate\n", os.Args[0])
	}

	flag.Parse()

	path := *configPath
	if path == "" && *configPathShort != "" {
		path = *configPathShort
	}

	return Args{
		ConfigPath:  path,
		Thing:       *thingPath,
		Action:      *action,
		Input:       *input,
		ShowVersion: *showVersion || *versionShort,
		Validate:    *validate,
	}
}
