package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rendis/chatflow/internal/diagram"
	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/flowgraph"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/internal/validation"
	"github.com/rendis/chatflow/pkg/schema"
)

func flowsCommand() *cli.Command {
	return &cli.Command{
		Name:  "flows",
		Usage: "Validate, import and publish flow definitions",
		Commands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "Check a flow document without storing it",
				ArgsUsage: "<file>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					def, err := readDefinition(cmd.Args().First())
					if err != nil {
						return err
					}
					res, err := validateDefinition(def)
					if err != nil {
						return err
					}
					return report(cmd.Root().Writer, def.ID, res)
				},
			},
			{
				Name:      "diagram",
				Usage:     "Render a flow document as a Mermaid flowchart",
				ArgsUsage: "<file>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					def, err := readDefinition(cmd.Args().First())
					if err != nil {
						return err
					}
					model, err := diagram.Build(def, diagram.Overlay{})
					if err != nil {
						return err
					}
					_, err = io.WriteString(cmd.Root().Writer, diagram.RenderMermaid(model))
					return err
				},
			},
			{
				Name:      "import",
				Usage:     "Validate and store a flow document as a draft",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "publish", Usage: "Publish the flow after importing it"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					def, err := readDefinition(cmd.Args().First())
					if err != nil {
						return err
					}
					return withStore(ctx, cmd, func(s *store.LibSQLStore) error {
						if err := importFlow(ctx, s, def, cmd.Bool("publish")); err != nil {
							return err
						}
						fmt.Fprintf(cmd.Root().Writer, "Imported flow %s (version %s)\n", def.ID, def.Version)
						return nil
					})
				},
			},
			{
				Name:      "publish",
				Usage:     "Re-validate a stored draft and publish it",
				ArgsUsage: "<flow-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id := cmd.Args().First()
					if id == "" {
						return fmt.Errorf("flow id is required")
					}
					return withStore(ctx, cmd, func(s *store.LibSQLStore) error {
						if err := publishFlow(ctx, s, id); err != nil {
							return err
						}
						fmt.Fprintf(cmd.Root().Writer, "Published flow %s\n", id)
						return nil
					})
				},
			},
		},
	}
}

// readDefinition decodes a flow document from path, or stdin for "-".
func readDefinition(path string) (*schema.FlowDefinition, error) {
	if path == "" {
		return nil, fmt.Errorf("flow file is required")
	}
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return flowgraph.DecodeDefinition(data)
}

func validateDefinition(def *schema.FlowDefinition) (*schema.ValidationResult, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	v, err := validation.NewFlowValidator(cel)
	if err != nil {
		return nil, err
	}
	return flowgraph.New(def).Validate(v), nil
}

func checkDefinition(def *schema.FlowDefinition) error {
	res, err := validateDefinition(def)
	if err != nil {
		return err
	}
	if !res.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "flow %s is invalid", def.ID).
			WithDetails(map[string]any{"errors": res.Errors, "warnings": res.Warnings})
	}
	return nil
}

// importFlow validates and saves def as a draft, then optionally publishes it.
func importFlow(ctx context.Context, s *store.LibSQLStore, def *schema.FlowDefinition, publish bool) error {
	if err := checkDefinition(def); err != nil {
		return err
	}
	if err := s.SaveFlow(ctx, def); err != nil {
		return err
	}
	if publish {
		return s.PublishFlow(ctx, def.ID, time.Now().UTC())
	}
	return nil
}

// publishFlow re-validates a stored draft and publishes it.
func publishFlow(ctx context.Context, s *store.LibSQLStore, id string) error {
	def, err := s.GetFlow(ctx, id)
	if err != nil {
		return err
	}
	if err := checkDefinition(def); err != nil {
		return err
	}
	return s.PublishFlow(ctx, id, time.Now().UTC())
}

func report(w io.Writer, id string, res *schema.ValidationResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Valid() {
		return fmt.Errorf("flow %s has %d error(s)", id, len(res.Errors))
	}
	return nil
}

func withStore(ctx context.Context, cmd *cli.Command, fn func(*store.LibSQLStore) error) error {
	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}
	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}
