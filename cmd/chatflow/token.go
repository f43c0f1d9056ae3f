package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rendis/chatflow/internal/api"
)

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a bearer token for the trace endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Usage: "Who the token identifies", Required: true},
			&cli.StringSliceFlag{Name: "scope", Usage: "Granted scope (repeatable)", Value: []string{api.ScopeTraceRead}},
			&cli.DurationFlag{Name: "ttl", Usage: "Token lifetime", Value: time.Hour},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			tok, err := api.NewAuth(cfg.JWTSecret).IssueToken(cmd.String("subject"), cmd.StringSlice("scope"), cmd.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.Root().Writer, tok)
			return nil
		},
	}
}
