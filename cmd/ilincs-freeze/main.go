// Command ilincs-freeze snapshots the iLINCS metadata collections and the
// disease signature vectors, once or on a cron schedule.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/ilincs-freeze/pkg/client"
	"github.com/Sternrassler/ilincs-freeze/pkg/config"
	"github.com/Sternrassler/ilincs-freeze/pkg/freeze"
	"github.com/Sternrassler/ilincs-freeze/pkg/logging"
	"github.com/Sternrassler/ilincs-freeze/pkg/schedule"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Error().Err(err).Msg("ilincs-freeze failed")
		stop()
		os.Exit(1)
	}
}

// options are the command line flags.
type options struct {
	configPath string
	once       bool
	cron       string
	outputDir  string
	envFile    string
}

func parseFlags(args []string) (options, error) {
	var opts options
	fset := flag.NewFlagSet("ilincs-freeze", flag.ContinueOnError)
	fset.StringVar(&opts.configPath, "config", os.Getenv("ILINCS_CONFIG"), "path to the YAML configuration file")
	fset.BoolVar(&opts.once, "once", false, "run a single freeze and exit, ignoring any schedule")
	fset.StringVar(&opts.cron, "schedule", "", "cron expression for recurring runs (overrides schedule.cron)")
	fset.StringVar(&opts.outputDir, "output", "", "write artifacts to this directory (overrides output settings)")
	fset.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the configuration")
	if err := fset.Parse(args); err != nil {
		return options{}, err
	}
	if fset.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fset.Args())
	}
	return opts, nil
}

// loadConfig reads the dotenv file, the config file and applies flag overrides.
func loadConfig(opts options) (config.Config, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load %s: %w", opts.envFile, err)
		}
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}

	if opts.outputDir != "" {
		cfg.Output.Backend = config.OutputDir
		cfg.Output.Dir = opts.outputDir
	}
	if opts.cron != "" {
		cfg.Schedule.Cron = opts.cron
	}
	if opts.once {
		cfg.Schedule.Cron = ""
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logging.Setup(cfg.LoggerConfig())
	logger := logging.NewLogger("main")

	store, err := openCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer store.Close()

	sink, err := openSink(ctx, cfg.Output)
	if err != nil {
		return err
	}

	clientCfg := cfg.Client()
	clientCfg.Cache = store.Store
	ilincs, err := client.New(clientCfg)
	if err != nil {
		return fmt.Errorf("create iLINCS client: %w", err)
	}
	defer ilincs.Close()

	runner, err := freeze.NewRunner(ilincs, sink, cfg.Freeze())
	if err != nil {
		return err
	}

	status := newRunStatus()
	if cfg.Metrics.Addr != "" {
		srv, err := startServer(cfg.Metrics.Addr, status, store.Ping)
		if err != nil {
			return err
		}
		defer shutdownServer(srv)
	}

	logger.Info().
		Str("base_url", cfg.API.BaseURL).
		Str("user_agent", cfg.API.UserAgent).
		Str("library", cfg.Retrieval.Library).
		Str("cache", cfg.Cache.Backend).
		Str("output", cfg.Output.Backend).
		Msg("ilincs-freeze configured")

	job := func(ctx context.Context) error {
		status.started()
		m, err := runner.Run(ctx)
		status.finished(m, err)
		if err != nil {
			return err
		}
		printSummary(stdout, m)
		return nil
	}

	if cfg.Schedule.Cron == "" {
		return job(ctx)
	}

	err = schedule.Run(ctx, cfg.Schedule.Cron, job)
	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("Shutting down")
		return nil
	}
	return err
}

func printSummary(w io.Writer, m *freeze.Manifest) {
	fmt.Fprintf(w, "run %s: %d/%d disease signatures retrieved (%d records), %d files in %s\n",
		m.RunID, m.RetrievedSignatures, m.DiseaseSignatures, m.VectorRecords, len(m.Files), m.Duration().Round(time.Millisecond))
	if !m.Complete() {
		fmt.Fprintf(w, "missing signatures: %v\n", m.MissingSignatures)
	}
}
