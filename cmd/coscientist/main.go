// Command coscientist runs the AI co-scientist core runtime.
//
// Usage:
//
//	coscientist serve --config config.yaml
//	coscientist run --goal "map ALS pathways" --iterations 3
//	coscientist validate --config config.yaml
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/coscientist-ai/coscientist/pkg/config"
	"github.com/coscientist-ai/coscientist/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the runtime: scheduler, health monitor, queue processor."`
	Run      RunCmd      `cmd:"" help:"Run research iterations toward a goal and exit."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration and exit."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("coscientist version %s\n", version)
	return nil
}

// ValidateCmd checks the configuration file and environment.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.LoadFile(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("configuration is valid (default model %s, memory root %s)\n",
		cfg.DefaultModel, cfg.Memory.RootDir)
	return nil
}

func loadConfig(cli *CLI) (*config.Config, error) {
	config.LoadEnvFiles(".env", ".env.local")

	cfg, err := config.LoadFile(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(level, os.Stderr, cli.LogFormat)
	return cfg, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("coscientist"),
		kong.Description("AI co-scientist core runtime."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
