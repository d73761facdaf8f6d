// Command demandcast serves the forecasting API and runs offline tuning,
// validation and simulations against synthetic demand.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/okian/demandcast/internal/config"
	"github.com/okian/demandcast/pkg/logger"
)

// CLI is the command grammar.
type CLI struct {
	Config   string `help:"YAML config file; DEMANDCAST_CONFIG is used when empty." type:"path" short:"c"`
	LogLevel string `help:"Override log_level (debug, info, warn, error)." name:"log-level"`

	Serve    ServeCmd    `cmd:"" help:"Run the HTTP API."`
	Simulate SimulateCmd `cmd:"" help:"Feed synthetic demand through the engine and print forecasts."`
	Tune     TuneCmd     `cmd:"" help:"Grid-search model parameters on synthetic demand."`
	Validate ValidateCmd `cmd:"" help:"Cross-validate the default model on synthetic demand."`
}

// env is bound into every command's Run.
type env struct {
	ctx    context.Context
	cfg    *config.Config
	out    io.Writer
	logger logger.Logger
}

func main() {
	if err := logger.Init(); err != nil {
		_, _ = os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("demandcast"),
		kong.Description("Pluggable time-series demand forecasting engine."),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, &cli, os.Stdout)
	kctx.FatalIfErrorf(err)
	kctx.FatalIfErrorf(kctx.Run(rt))
}

// setup loads configuration and applies the log level.
func setup(ctx context.Context, cli *CLI, out io.Writer) (*env, error) {
	cfg, err := config.Load(ctx, cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	log := logger.Get()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	return &env{ctx: ctx, cfg: cfg, out: out, logger: log}, nil
}

