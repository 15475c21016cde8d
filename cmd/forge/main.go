package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/posener/complete"

	"github.com/forgebay/forge/internal/config"
	"github.com/forgebay/forge/internal/lock"
	"github.com/forgebay/forge/internal/logging"
	"github.com/forgebay/forge/internal/state"
	"github.com/forgebay/forge/internal/telemetry"
)

// Context threads the shared, process-lifetime dependencies every
// subcommand's Run needs: the config store, state store, lock manager and
// logger, built once in main() the way cmd/sand's Context carries
// AppBaseDir/sber.
type Context struct {
	Cfg   *config.Store
	State *state.Store
	Locks *lock.Manager
	Log   *logging.Logger

	StateRoot  string
	ConfigRoot string
	JSON       bool

	shutdownTelemetry telemetry.ShutdownFunc
}

// CLI is the root command tree.
type CLI struct {
	Config    string `default:"forge.yaml" placeholder:"<path>" help:"tool/host/platform configuration file"`
	StateRoot string `default:"" placeholder:"<dir>" help:"root dir for per-run state and locks (default: ~/.forge/state)"`
	LogDir    string `default:"" placeholder:"<dir>" help:"root dir for JSONL event logs (default: <state-root>/logs)"`
	LogLevel  string `default:"info" enum:"debug,info,warn,error" help:"logging level"`
	MaxRetries int   `default:"3" help:"automatic per-host retry cap (RETRY_MAX)"`
	OTLPEndpoint string `default:"" placeholder:"<host:port>" help:"OTLP/gRPC collector endpoint; empty disables tracing"`
	JSON bool `help:"print machine-readable JSON results instead of human-readable text"`

	Release  ReleaseCmd  `cmd:"" help:"build every configured target, publish and dispatch a release"`
	Build    BuildCmd    `cmd:"" help:"build every configured target without publishing or dispatching"`
	Health   HealthCmd   `cmd:"" help:"probe configured hosts and print their health reports"`
	Manifest ManifestCmd `cmd:"" help:"print a previously-assembled run manifest"`
	Dispatch DispatchCmd `cmd:"" help:"fan a finished release out to its downstream repositories"`
	Doc      DocCmd      `cmd:"" help:"print complete command help formatted as markdown"`
	Version  VersionCmd  `cmd:"" help:"print version information about this command"`
}

func defaultStateRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "forge", "state")
	}
	return filepath.Join(home, ".forge", "state")
}

const description = `Build, sign and publish multi-platform tool releases across a local
container-runner emulator and remote macOS/Windows hosts.`

func main() {
	var cli CLI

	parser := kong.Must(&cli,
		kong.Configuration(kongyaml.Loader, "forge.yaml", "~/.forge.yaml"),
		kong.Description(description))

	kongcompletion.Register(parser,
		kongcompletion.WithPredictor("path", complete.PredictFiles("*")),
	)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if kctx.Command() == "completion" || kctx.Command() == "doc" {
		kctx.FatalIfErrorf(kctx.Run(kctx))
		return
	}

	if cli.StateRoot == "" {
		cli.StateRoot = defaultStateRoot()
	}
	if cli.LogDir == "" {
		cli.LogDir = filepath.Join(cli.StateRoot, "logs")
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "forge: loading %s: %v\n", cli.Config, err)
		os.Exit(4)
	}

	logger := logging.New(logging.Config{
		LogDir: cli.LogDir,
		Level:  logging.Level(cli.LogLevel),
	})
	defer logger.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), versionString(), telemetry.Config{
		Endpoint: cli.OTLPEndpoint,
		Insecure: true,
	})
	if err != nil {
		logger.Warn("telemetry init failed, continuing without tracing", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer shutdownTelemetry(context.Background())

	appCtx := &Context{
		Cfg:               cfg,
		State:             state.New(cli.StateRoot, cli.MaxRetries),
		Locks:             lock.New(cli.StateRoot),
		Log:               logger,
		StateRoot:         cli.StateRoot,
		ConfigRoot:        filepath.Dir(cli.Config),
		JSON:              cli.JSON,
		shutdownTelemetry: shutdownTelemetry,
	}

	if err := kctx.Run(appCtx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
