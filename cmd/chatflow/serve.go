package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/rendis/chatflow/pkg/mcp"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API with outbox delivery and housekeeping",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := buildApplication(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close(context.WithoutCancel(ctx))

			done, err := app.startBackground(ctx)
			if err != nil {
				return err
			}
			logger.InfoContext(ctx, "chatflow serving",
				slog.String("addr", cfg.ListenAddr), slog.String("db_path", cfg.DBPath), slog.String("version", version))
			err = app.apiServer().Listen(ctx, cfg.ListenAddr)

			stop()
			<-done
			return err
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the session tools over MCP stdio",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := buildApplication(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close(context.WithoutCancel(ctx))

			srv := mcp.NewChatflowServer(mcp.ChatflowServerDeps{Runtime: app.runtime, Logger: logger})
			if cfg.InternalTopic != "" {
				msgs, err := app.bus.Subscribe(ctx, cfg.InternalTopic)
				if err != nil {
					return err
				}
				go mcp.NewMCPNotifier(srv.MCPServer(), srv.Sessions(), logger).Forward(ctx, msgs)
			}

			done, err := app.startBackground(ctx)
			if err != nil {
				return err
			}
			err = srv.Serve(ctx)

			stop()
			<-done
			return err
		},
	}
}
