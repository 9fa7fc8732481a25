package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/MegaGrindStone/go-omcp"
	"github.com/MegaGrindStone/go-omcp/servers/everything"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

// options are the settings resolved for one invocation.
type options struct {
	cfg     config
	headers []string
	baked   bool
	debug   bool
}

func newRootCmd() *cobra.Command {
	cfg, loadErr := loadConfig()
	o := &options{cfg: cfg}

	root := &cobra.Command{
		Use:           "omcp",
		Short:         "Talk to tool providers over SSE or stdio",
		Long:          "omcp connects to a tool provider, over Server-Sent Events or a child process, lists its tools and calls them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if loadErr != nil {
				return loadErr
			}
			if o.debug {
				o.cfg.LogLevel = "debug"
			}
			level, err := parseLevel(o.cfg.LogLevel)
			if err != nil {
				return err
			}
			setupLogger(cmd.ErrOrStderr(), level)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.cfg.Server, "server", o.cfg.Server, "URL of the provider event stream")
	pf.StringVar(&o.cfg.Bearer, "bearer", o.cfg.Bearer, "Bearer token sent with every request")
	pf.StringArrayVar(&o.headers, "header", nil, "Extra request header as name=value, repeatable")
	pf.StringVar(&o.cfg.Command, "command", o.cfg.Command, "Run a stdio provider instead of connecting to --server")
	pf.BoolVar(&o.baked, "baked", false, "Use the built-in tools instead of a provider")
	pf.DurationVar(&o.cfg.ReconnectDelay, "reconnect-delay", o.cfg.ReconnectDelay, "Delay between attempts to reopen a dropped stream")
	pf.StringVar(&o.cfg.LogLevel, "log-level", o.cfg.LogLevel, "Log level: debug, info, warn or error")
	pf.BoolVar(&o.debug, "debug", false, "Shorthand for --log-level=debug")

	root.AddCommand(
		newDumpToolsCmd(o),
		newCallCmd(o),
		newListenCmd(o),
		newServeCmd(),
	)

	return root
}

// transport builds the Transport selected by the flags.
func (o *options) transport() (omcp.Transport, error) {
	switch {
	case o.baked:
		return omcp.NewBakedClient(everything.Tools()...), nil
	case o.cfg.Command != "":
		fields := strings.Fields(o.cfg.Command)
		if len(fields) == 0 {
			return nil, errors.New("--command names no program")
		}
		cmd := exec.Command(fields[0], fields[1:]...)
		cmd.Stderr = os.Stderr
		return omcp.NewCommandClient(cmd, omcp.WithStdioClientInfo(omcp.Info{Name: "omcp", Version: version})), nil
	case o.cfg.Server != "":
		return o.sseClient()
	default:
		return nil, errors.New("one of --server, --command or --baked is required")
	}
}

func (o *options) sseClient() (*omcp.SSEClient, error) {
	if o.cfg.Server == "" {
		return nil, errors.New("--server is required")
	}
	if o.cfg.ReconnectDelay <= 0 {
		return nil, fmt.Errorf("invalid --reconnect-delay %s, must be positive", o.cfg.ReconnectDelay)
	}

	opts := []omcp.SSEClientOption{
		omcp.WithSSEClientInfo(omcp.Info{Name: "omcp", Version: version}),
		omcp.WithSSEClientReconnectPolicy(omcp.FixedReconnect(o.cfg.ReconnectDelay)),
	}
	if o.cfg.Bearer != "" {
		opts = append(opts, omcp.WithSSEClientBearer(o.cfg.Bearer))
	}

	pairs, err := o.cfg.headers()
	if err != nil {
		return nil, err
	}
	for _, h := range o.headers {
		name, value, ok := strings.Cut(h, "=")
		if !ok {
			return nil, fmt.Errorf("invalid header %q, expected name=value", h)
		}
		pairs = append(pairs, [2]string{name, value})
	}
	for _, p := range pairs {
		opts = append(opts, omcp.WithSSEClientHeader(p[0], p[1]))
	}

	return omcp.NewSSEClient(o.cfg.Server, &http.Client{}, opts...)
}

// withSession connects t, runs fn and always disconnects.
func withSession(ctx context.Context, t omcp.Transport, fn func() error) (err error) {
	if err := t.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if dErr := t.Disconnect(context.Background()); dErr != nil {
			slog.Warn("failed to disconnect", "err", dErr)
			if err == nil {
				err = dErr
			}
		}
	}()

	return fn()
}
