// Package cli implements the command-line interface for imgsync.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/imgsync/internal/logctx"
	"github.com/eunmann/imgsync/pkg/archive"
	"github.com/eunmann/imgsync/pkg/catalog"
	"github.com/eunmann/imgsync/pkg/config"
	"github.com/eunmann/imgsync/pkg/exportfile"
	"github.com/eunmann/imgsync/pkg/logging"
	"github.com/eunmann/imgsync/pkg/metrics"
	"github.com/eunmann/imgsync/pkg/models"
	"github.com/eunmann/imgsync/pkg/reconcile"
	"github.com/eunmann/imgsync/pkg/store"
)

const usage = `usage: imgsync <command> [options]
commands:
  ingest [catalog-endpoint] [store-endpoint]  load new catalog images into the store
  build [store-endpoint]                      rebuild the derived model tables`

// Run executes the CLI with the given arguments. SIGINT and SIGTERM cancel
// the run.
func Run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, args, os.LookupEnv)
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool)) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	switch args[0] {
	case "ingest":
		return runIngest(ctx, args[1:], lookup)
	case "build":
		return runBuild(ctx, args[1:], lookup)
	case "help", "-h", "--help":
		fmt.Fprintln(os.Stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath string
	envFile    string
	debug      bool
	human      bool
}

func (c *commonFlags) register(flags *flag.FlagSet) {
	flags.StringVar(&c.configPath, "config", "", "YAML settings file")
	flags.StringVar(&c.envFile, "env-file", ".env", "dotenv file to load if present")
	flags.BoolVar(&c.debug, "debug", false, "enable debug logging")
	flags.BoolVar(&c.human, "human", false, "human-friendly console output")
}

// loadConfig layers the settings file, the environment and the flags that
// were set explicitly.
func (c *commonFlags) loadConfig(flags *flag.FlagSet, lookup func(string) (string, bool)) (*config.Config, error) {
	if err := config.LoadDotEnv(c.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if isSet(flags, "debug") {
		cfg.Log.Debug = c.debug
	}
	if isSet(flags, "human") {
		cfg.Log.Human = c.human
	}
	return cfg, nil
}

func runIngest(ctx context.Context, args []string, lookup func(string) (string, bool)) error {
	flags := flag.NewFlagSet("ingest", flag.ContinueOnError)
	var common commonFlags
	common.register(flags)
	var execute bool
	flags.BoolVar(&execute, "execute", false, "load images; without it the run only reports what it would do")
	flags.BoolVar(&execute, "x", false, "shorthand for --execute")
	maxImages := flags.Int("max-images", 0, "load at most N images (0 = no limit)")
	daily := flags.Bool("daily", true, "keep only the earliest image of each day")
	validate := flags.Bool("validate", false, "download each export and check it before loading")
	archiveURL := flags.String("archive", "", "copy each export to s3://bucket/prefix")
	pushgateway := flags.String("pushgateway", "", "push run metrics to this Pushgateway URL")

	positional, err := parseInterspersed(flags, args)
	if err != nil {
		return err
	}
	if len(positional) > 2 {
		return fmt.Errorf("ingest takes at most 2 arguments, got %d", len(positional))
	}

	cfg, err := common.loadConfig(flags, lookup)
	if err != nil {
		return err
	}
	if len(positional) > 0 {
		cfg.Catalog.Endpoint = positional[0]
	}
	if len(positional) > 1 {
		cfg.Store.Endpoint = positional[1]
	}
	if isSet(flags, "max-images") {
		cfg.Ingest.MaxImages = *maxImages
	}
	if isSet(flags, "daily") {
		cfg.Ingest.Daily = *daily
	}
	if isSet(flags, "validate") {
		cfg.Ingest.Validate = *validate
	}
	if isSet(flags, "archive") {
		cfg.Ingest.Archive = *archiveURL
	}
	if isSet(flags, "pushgateway") {
		cfg.Ingest.Pushgateway = *pushgateway
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	ctx = startRun(ctx, cfg, "ingest")
	log := logctx.FromContext(ctx)

	st := store.NewClient(cfg.Store.Endpoint, cfg.Store.Token, &http.Client{Timeout: cfg.Store.Timeout})
	cat := catalog.NewClient(cfg.ClientConfig(), nil)

	opts := reconcile.Options{
		Table:     cfg.HistoryTable(),
		Daily:     cfg.Ingest.Daily,
		MaxImages: cfg.Ingest.MaxImages,
		DryRun:    !execute,
	}

	checker, err := newChecker(ctx, cfg)
	if err != nil {
		return err
	}
	if checker.Enabled() {
		opts.Hooks = append(opts.Hooks, checker)
	}

	var collector *metrics.Collector
	if cfg.Ingest.Pushgateway != "" {
		collector = metrics.New()
		opts.Observer = collector
		cat.OnExportRetry(collector.ObserveExportRetry)
	}

	log.Info().
		Str("catalog", cfg.Catalog.Endpoint).
		Str("store", cfg.Store.Endpoint).
		Str("table", opts.Table.QualifiedName()).
		Bool("daily", opts.Daily).
		Int("max_images", opts.MaxImages).
		Bool("dry_run", opts.DryRun).
		Msg("starting ingest")

	report, runErr := reconcile.New(cat, st, opts).Run(ctx)

	if collector != nil {
		if runErr == nil {
			collector.MarkSuccess(time.Now())
		}
		if err := collector.Push(ctx, cfg.Ingest.Pushgateway, "imgsync_ingest"); err != nil {
			log.Warn().Err(err).Msg("failed to push metrics")
		}
	}
	if runErr != nil {
		return runErr
	}

	logSummary(log, report)
	return nil
}

func newChecker(ctx context.Context, cfg *config.Config) (*exportfile.Checker, error) {
	opts := []exportfile.Option{exportfile.WithTempDir(cfg.Ingest.TempDir)}
	if cfg.Ingest.Validate {
		opts = append(opts, exportfile.WithValidation(cfg.HistoryTable().SourceColumns()))
	}
	if cfg.Ingest.Archive != "" {
		loc, err := archive.ParseURL(cfg.Ingest.Archive)
		if err != nil {
			return nil, err
		}
		up, err := archive.New(ctx, loc)
		if err != nil {
			return nil, err
		}
		opts = append(opts, exportfile.WithArchiver(up))
	}
	return exportfile.NewChecker(nil, opts...), nil
}

func logSummary(log zerolog.Logger, r *reconcile.Report) {
	ev := log.Info().
		Int("candidates", r.Candidates).
		Int("ingested", r.Ingested).
		Int("planned", len(r.Planned)).
		Int("loaded", r.Loaded).
		Bool("dry_run", r.DryRun)
	if r.Latest != nil {
		ev = ev.Str("latest_tag", r.Latest.Tag)
	}
	if r.TableMissing {
		ev = ev.Bool("table_missing", true)
	}
	ev.Msg("ingest finished")
}

func runBuild(ctx context.Context, args []string, lookup func(string) (string, bool)) error {
	flags := flag.NewFlagSet("build", flag.ContinueOnError)
	var common commonFlags
	common.register(flags)
	modelsDir := flags.String("models-dir", "", "read <model>.sql files from DIR instead of the built-in set")

	positional, err := parseInterspersed(flags, args)
	if err != nil {
		return err
	}
	if len(positional) > 1 {
		return fmt.Errorf("build takes at most 1 argument, got %d", len(positional))
	}

	cfg, err := common.loadConfig(flags, lookup)
	if err != nil {
		return err
	}
	if len(positional) > 0 {
		cfg.Store.Endpoint = positional[0]
	}
	if isSet(flags, "models-dir") {
		cfg.Models.Dir = *modelsDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	ctx = startRun(ctx, cfg, "build")

	var defs fs.FS
	if cfg.Models.Dir != "" {
		defs = os.DirFS(cfg.Models.Dir)
	}
	st := store.NewClient(cfg.Store.Endpoint, cfg.Store.Token, &http.Client{Timeout: cfg.Store.Timeout})
	_, err = models.NewBuilder(st, cfg.History.Schema, defs).Build(ctx)
	return err
}

// startRun configures logging and returns a context carrying the run
// logger.
func startRun(ctx context.Context, cfg *config.Config, command string) context.Context {
	logging.Init(cfg.Log.Debug, cfg.Log.Human)
	logctx.SetDefaultLogger(*logging.L())
	base := logging.L().With().Str("command", command).Logger()
	ctx = logctx.WithRun(ctx, base)
	if cfg.Store.Token == "" {
		log := logctx.FromContext(ctx)
		log.Info().Msg("Not using an access token")
	}
	return ctx
}

// parseInterspersed parses flags allowing positional arguments before, between
// and after flags. It returns the positional arguments in order.
func parseInterspersed(flags *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := flags.Parse(args); err != nil {
			return nil, err
		}
		rest := flags.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		// Everything after a literal "--" is positional.
		if len(args) > len(rest) && args[len(args)-len(rest)-1] == "--" {
			return append(positional, rest...), nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func isSet(flags *flag.FlagSet, name string) bool {
	set := false
	flags.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
