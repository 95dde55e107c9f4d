package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/starford/ansuz/internal"
	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/mcpserver"
	"github.com/starford/ansuz/internal/store"
	"github.com/starford/ansuz/internal/tools"
)

// withStack loads config, opens the component stack and runs fn. Logs go
// to stderr so stdout carries only command output.
func withStack(ctx context.Context, cmd *cli.Command, fn func(context.Context, *internal.Stack) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := internal.NewLogger(cfg, os.Stderr)
	stack, err := internal.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close()
	return fn(ctx, stack)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func indexCommand() *cli.Command {
	return &cli.Command{
		Name:    "index",
		Aliases: []string{"reindex"},
		Usage:   "Reconcile the index with the vault once and exit",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "embed", Usage: "Embed missing chunks afterwards", Value: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withStack(ctx, cmd, func(ctx context.Context, s *internal.Stack) error {
				summary, err := s.Indexer.ReindexAll(ctx)
				if err != nil {
					return err
				}
				if cmd.Bool("embed") && s.Gateway != nil {
					if _, err := s.Indexer.EmbedMissing(ctx); err != nil {
						return err
					}
				}
				return printJSON(cmd.Root().Writer, summary)
			})
		},
	}
}

func embedMissingCommand() *cli.Command {
	return &cli.Command{
		Name:  "embed-missing",
		Usage: "Embed every chunk that has no vector for the current model",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withStack(ctx, cmd, func(ctx context.Context, s *internal.Stack) error {
				n, err := s.Indexer.EmbedMissing(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.Root().Writer, "embedded %d chunks\n", n)
				return err
			})
		},
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Search the vault",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "top-k", Aliases: []string{"k"}, Value: 10},
			&cli.StringSliceFlag{Name: "tag", Usage: "Restrict to notes carrying any of these tags"},
			&cli.StringFlag{Name: "after", Usage: "Only notes modified on or after this date"},
			&cli.StringFlag{Name: "before", Usage: "Only notes modified on or before this date"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			query := strings.Join(cmd.Args().Slice(), " ")
			filter, err := tools.FilterInput{
				Tags:       cmd.StringSlice("tag"),
				DateAfter:  cmd.String("after"),
				DateBefore: cmd.String("before"),
			}.ToFilter()
			if err != nil {
				return err
			}
			return withStack(ctx, cmd, func(ctx context.Context, s *internal.Stack) error {
				resp, err := s.Search.Search(ctx, query, int(cmd.Int("top-k")), filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.Root().Writer, resp)
			})
		},
	}
}

func backlinksCommand() *cli.Command {
	return &cli.Command{
		Name:      "backlinks",
		Usage:     "List notes linking to a note",
		ArgsUsage: "<path>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args, err := json.Marshal(map[string]string{"path": cmd.Args().First()})
			if err != nil {
				return err
			}
			return runTool(ctx, cmd, tools.ListBacklinks, args)
		},
	}
}

func toolCommand() *cli.Command {
	return &cli.Command{
		Name:      "tool",
		Usage:     "Run a vault tool with JSON arguments",
		ArgsUsage: "<name> [json-args]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name := cmd.Args().First()
			if name == "" {
				return apperr.Validation("tool name is required")
			}
			raw := cmd.Args().Get(1)
			if raw == "" {
				raw = "{}"
			}
			return runTool(ctx, cmd, name, json.RawMessage(raw))
		},
	}
}

func runTool(ctx context.Context, cmd *cli.Command, name string, raw json.RawMessage) error {
	return withStack(ctx, cmd, func(ctx context.Context, s *internal.Stack) error {
		out, err := s.Tools.Run(ctx, name, raw)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.Root().Writer, out)
		return err
	})
}

func askCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Answer a question with the agent and the vault tools",
		ArgsUsage: "<prompt>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print the full run result"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			prompt := strings.Join(cmd.Args().Slice(), " ")
			return withStack(ctx, cmd, func(ctx context.Context, s *internal.Stack) error {
				if s.Agent == nil {
					return apperr.Validation("no agent provider configured")
				}
				res, err := s.Agent.Run(ctx, prompt)
				if err != nil {
					return err
				}
				if cmd.Bool("json") {
					return printJSON(cmd.Root().Writer, res)
				}
				_, err = fmt.Fprintln(cmd.Root().Writer, res.Answer)
				return err
			})
		},
	}
}

func vaultCommand() *cli.Command {
	return &cli.Command{
		Name:  "vault",
		Usage: "Show or change the vault directory",
		Commands: []*cli.Command{
			{
				Name:  "get",
				Usage: "Print the active vault directory",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withStack(ctx, cmd, func(_ context.Context, s *internal.Stack) error {
						_, err := fmt.Fprintln(cmd.Root().Writer, s.VaultPath)
						return err
					})
				},
			},
			{
				Name:      "set",
				Usage:     "Persist a new vault directory; takes effect on next start",
				ArgsUsage: "<dir>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					dir := cmd.Args().First()
					if dir == "" {
						return apperr.Validation("vault directory is required")
					}
					abs, err := filepath.Abs(dir)
					if err != nil {
						return err
					}
					if fi, err := os.Stat(abs); err != nil || !fi.IsDir() {
						return apperr.Validation("%s is not a directory", abs)
					}
					return withStack(ctx, cmd, func(ctx context.Context, s *internal.Stack) error {
						if err := s.DB.SetSetting(ctx, store.SettingVaultPath, abs); err != nil {
							return err
						}
						_, err := fmt.Fprintln(cmd.Root().Writer, abs)
						return err
					})
				},
			},
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print index statistics",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withStack(ctx, cmd, func(ctx context.Context, s *internal.Stack) error {
				stats, err := s.DB.Stats(ctx)
				if err != nil {
					return err
				}
				var last string
				if err := s.DB.GetSetting(ctx, store.SettingLastEmbeddingModel, &last); err != nil && !errors.Is(err, apperr.ErrNotFound) {
					return err
				}
				return printJSON(cmd.Root().Writer, struct {
					Vault              string      `json:"vault"`
					EmbeddingModel     string      `json:"embedding_model,omitempty"`
					LastEmbeddingModel string      `json:"last_embedding_model,omitempty"`
					Stats              store.Stats `json:"stats"`
				}{s.VaultPath, s.EmbeddingModel(), last, stats})
			})
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the vault tools over MCP on stdio",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "watch", Usage: "Keep the index in sync while serving"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withStack(ctx, cmd, func(ctx context.Context, s *internal.Stack) error {
				if cmd.Bool("watch") {
					if err := s.Indexer.Start(ctx); err != nil {
						return err
					}
				}
				return mcpserver.New(s.Tools, version, s.Logger).ServeStdio()
			})
		},
	}
}
