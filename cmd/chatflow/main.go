package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/rendis/chatflow/internal/logging"
)

func main() {
	if err := newRootCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "chatflow",
		Usage:                 "Run scripted conversation flows",
		EnableShellCompletion: true,
		Flags:                 configFlags(),
		Commands: []*cli.Command{
			serveCommand(),
			mcpCommand(),
			flowsCommand(),
			tokenCommand(),
			versionCommand(),
		},
	}
}

// setup resolves the configuration and installs the process logger.
func setup(cmd *cli.Command) (Config, *slog.Logger, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return cfg, nil, err
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, logger, nil
}
