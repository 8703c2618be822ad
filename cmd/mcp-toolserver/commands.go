package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/mcp-toolserver/pkg/config"
	"github.com/ajitpratap0/mcp-toolserver/pkg/logging"
	"github.com/ajitpratap0/mcp-toolserver/pkg/protocol"
	"github.com/ajitpratap0/mcp-toolserver/pkg/server"
	"github.com/ajitpratap0/mcp-toolserver/pkg/transport"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const (
	CmdServe          = "serve"
	CmdStdio          = "stdio"
	CmdValidateConfig = "validate-config"
	CmdVersion        = "version"

	FlagConfig         = "config"
	FlagPort           = "port"
	FlagBind           = "bind"
	FlagAllowedOrigins = "allowed-origin"

	// EnvCredentials supplies the stdio connection's credentials
	EnvCredentials = "MCP_TOOLSERVER_CREDENTIALS"

	shutdownTimeout = 15 * time.Second
)

type cliOptions struct {
	configPath     string
	port           int
	bind           string
	allowedOrigins []string
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "mcp-toolserver",
		Short: "Model Context Protocol tool server",
		Long: `mcp-toolserver exposes tools to Model Context Protocol clients over JSON-RPC 2.0.

QUICK START:
  mcp-toolserver serve                          # HTTP on 127.0.0.1:8080, endpoint /mcp
  mcp-toolserver stdio                          # one client over standard input/output
  mcp-toolserver validate-config server.yaml    # check a configuration file

Configuration files may be YAML, TOML or JSON; ${VAR} references are expanded
from the environment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, FlagConfig, "c", "", "configuration file (.yaml, .yml, .toml or .json)")

	root.AddCommand(
		newServeCommand(opts),
		newStdioCommand(opts),
		newValidateConfigCommand(opts),
		newVersionCommand(),
	)
	return root
}

func newServeCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   CmdServe,
		Short: "Serve tools over HTTP",
		Long: `Serve tools over HTTP. Clients POST JSON-RPC messages to /mcp; an initialize
request opens a session identified by the Mcp-Session-Id response header.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed(FlagPort) {
				cfg.Port = opts.port
			}
			if cmd.Flags().Changed(FlagBind) {
				cfg.BindAddress = opts.bind
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			var httpOptions []transport.HTTPOption
			if len(opts.allowedOrigins) > 0 {
				httpOptions = append(httpOptions, transport.WithAllowedOrigins(opts.allowedOrigins...))
			}

			printBanner(cmd.ErrOrStderr(), cfg)
			return runServer(cmd.Context(), cfg, newLogger(cfg, cmd.ErrOrStderr()), transport.HTTPListenerFactory(httpOptions...), nil)
		},
	}
	cmd.Flags().IntVarP(&opts.port, FlagPort, "p", 0, "port to listen on (overrides the configuration)")
	cmd.Flags().StringVar(&opts.bind, FlagBind, "", "address to bind (overrides the configuration)")
	cmd.Flags().StringSliceVar(&opts.allowedOrigins, FlagAllowedOrigins, nil, "browser origins allowed to call the server (default: localhost)")
	return cmd
}

func newStdioCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   CmdStdio,
		Short: "Serve a single client over standard input and output",
		Long: `Serve a single client over newline-delimited JSON on standard input and output.
Logs go to standard error. Credentials, when authentication is enabled, are read
from the ` + EnvCredentials + ` environment variable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}

			created := make(chan *transport.StdioListener, 1)
			factory := transport.StdioListenerFactory(created,
				transport.WithStdioStreams(cmd.InOrStdin(), cmd.OutOrStdout()),
				transport.WithStdioCredentials(os.Getenv(EnvCredentials)),
			)
			return runServer(cmd.Context(), cfg, newLogger(cfg, cmd.ErrOrStderr()), factory, func() <-chan struct{} {
				return (<-created).Done()
			})
		},
	}
}

// runServer starts the server and blocks until ctx is cancelled or, when
// finished is set, until the channel it returns is closed
func runServer(ctx context.Context, cfg *config.ServerConfig, logger logging.Logger, factory server.ListenerFactory, finished func() <-chan struct{}) error {
	srv := server.New(cfg,
		server.WithLogger(logger),
		server.WithToolProvider(newBuiltinProvider()),
		server.WithListener(factory),
	)
	if !srv.Start(ctx) {
		return errors.New("server failed to start")
	}

	var done <-chan struct{}
	if finished != nil {
		done = finished()
	}
	select {
	case <-ctx.Done():
	case <-done:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if !srv.Stop(stopCtx) {
		return errors.New("server did not stop cleanly")
	}
	return nil
}

func newValidateConfigCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   CmdValidateConfig + " [file]",
		Short: "Check a configuration file and print its effective settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no configuration file given; pass a path or --%s", FlagConfig)
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			green := color.New(color.FgGreen)
			green.Fprintf(out, "✓ %s is valid\n", path)
			printSettings(out, cfg)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   CmdVersion,
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcp-toolserver %s (protocol %s)\n", version, protocol.LatestProtocolVersion)
		},
	}
}

// loadConfig returns the defaults when no file is given
func loadConfig(path string) (*config.ServerConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cfg *config.ServerConfig, w io.Writer) logging.Logger {
	var formatter logging.Formatter = logging.NewTextFormatter()
	if cfg.LoggingFormat == "json" {
		formatter = logging.NewJSONFormatter()
	}
	logger := logging.New(w, formatter)
	logger.SetLevel(cfg.Level())
	return logger
}

const banner = `
                                _              _
  _ __ ___   ___ _ __          | |_ ___   ___ | |___  ___ _ ____   _____ _ __
 | '_ ' _ \ / __| '_ \  _____  | __/ _ \ / _ \| / __|/ _ \ '__\ \ / / _ \ '__|
 | | | | | | (__| |_) | |_____| | || (_) | (_) | \__ \  __/ |   \ V /  __/ |
 |_| |_| |_|\___| .__/          \__\___/ \___/|_|___/\___|_|    \_/ \___|_|
                |_|
`

func printBanner(w io.Writer, cfg *config.ServerConfig) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	cyan.Fprint(w, banner)
	gray.Fprintf(w, "  %s %s\n\n", cfg.ServerName, version)
	printSettings(w, cfg)
	fmt.Fprintln(w)
}

func printSettings(w io.Writer, cfg *config.ServerConfig) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	scheme := "disabled"
	if cfg.EnableAuthentication {
		scheme = cfg.Authentication.Scheme
	}
	tls := "off"
	if cfg.EnableTLS {
		tls = "on"
	}

	rows := []struct {
		label string
		value string
	}{
		{"address", cfg.Address()},
		{"tls", tls},
		{"authentication", scheme},
		{"max connections", fmt.Sprint(cfg.MaxConnections)},
		{"request timeout", cfg.RequestTimeout().String()},
		{"log level", cfg.LoggingLevel},
	}
	if cfg.Metrics.Enabled {
		rows = append(rows, struct{ label, value string }{"metrics", cfg.Metrics.Address + cfg.Metrics.Path})
	}
	if cfg.Audit.Enabled {
		rows = append(rows, struct{ label, value string }{"audit log", cfg.Audit.Path})
	}

	for _, row := range rows {
		yellow.Fprintf(w, "  %-16s", row.label)
		green.Fprintln(w, row.value)
	}
}
