package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/MegaGrindStone/go-omcp"
	"github.com/MegaGrindStone/go-omcp/servers/everything"
	"github.com/spf13/cobra"
)

func newDumpToolsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "dump-tools",
		Short: "Print the tools offered by the provider as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := o.transport()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), t, func() error {
				tools, err := t.ListTools(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to list tools: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), tools)
			})
		},
	}
}

func newCallCmd(o *options) *cobra.Command {
	var (
		tool string
		args string
	)

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Call a tool and print its result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var arguments map[string]any
			if args != "" {
				if err := json.Unmarshal([]byte(args), &arguments); err != nil {
					return fmt.Errorf("invalid --args, expected a JSON object: %w", err)
				}
			}

			t, err := o.transport()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), t, func() error {
				out, err := t.Call(cmd.Context(), omcp.CallParams{Name: tool, Arguments: arguments})
				if err != nil {
					return fmt.Errorf("failed to call %s: %w", tool, err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&tool, "tool", "", "Name of the tool to call")
	cmd.Flags().StringVar(&args, "args", "", "Tool arguments as a JSON object")
	_ = cmd.MarkFlagRequired("tool")

	return cmd
}

func newListenCmd(o *options) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print messages pushed by an SSE provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.sseClient()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), c, func() error {
				seen := 0
				handler := omcp.EventHandlerFunc(func(_ context.Context, msg omcp.JSONRPCMessage) error {
					if err := printJSON(cmd.OutOrStdout(), msg); err != nil {
						return err
					}
					seen++
					if count > 0 && seen >= count {
						return omcp.ErrEOF
					}
					return nil
				})

				err := c.EventLoop(cmd.Context(), handler)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}

	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many messages, 0 means never")

	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the built-in tools over stdin and stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv := omcp.NewServer(omcp.Info{Name: "omcp", Version: version}, everything.Tools())
			err := srv.Serve(cmd.Context(), os.Stdin, cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func printJSON(w io.Writer, v any) error {
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(bs))
	return err
}
