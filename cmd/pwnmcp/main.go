package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pwnmcp/pwnmcp/internal/config"
	"github.com/pwnmcp/pwnmcp/internal/mcp"
	"github.com/pwnmcp/pwnmcp/internal/version"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootFlags holds the command-line overrides applied on top of the
// configuration file.
type rootFlags struct {
	configPath string
	transport  string
	host       string
	port       int
	gdbPath    string
	relayHost  string
	relayPort  int
	relayName  string
	logLevel   string
}

func buildRoot() *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:     "pwnmcp",
		Short:   "MCP server bridging AI assistants to a GDB/pwndbg debug session",
		Version: version.Version,
		Long: `pwnmcp exposes an interactive GDB/pwndbg session through MCP tools:
load an executable, drive execution, send crafted input to the target
through its own terminal, and read whatever it prints back.

On the stdio transport all logging goes to stderr; stdout carries only
the MCP protocol.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(&flags)
		},
	}

	root.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to JSON configuration file")
	root.Flags().StringVarP(&flags.transport, "transport", "t", "", "transport: stdio, sse or http")
	root.Flags().StringVar(&flags.host, "host", "", "listen host for sse/http transports")
	root.Flags().IntVar(&flags.port, "port", 0, "listen port for sse/http transports")
	root.Flags().StringVar(&flags.gdbPath, "gdb", "", "path to the gdb binary")
	root.Flags().StringVar(&flags.relayHost, "relay-host", "", "symbol relay peer host")
	root.Flags().IntVar(&flags.relayPort, "relay-port", 0, "symbol relay peer port (enables the relay)")
	root.Flags().StringVar(&flags.relayName, "relay-name", "", "name announced to the symbol relay peer")
	root.Flags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error")

	return root
}

func run(flags *rootFlags) error {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	applyOverrides(cfg, flags)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	server := mcp.NewServer(cfg, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutting down")
		server.Close()
		os.Exit(0)
	}()

	log.WithFields(logrus.Fields{
		"version":   version.Version,
		"transport": cfg.Transport,
	}).Info("pwnmcp starting")

	switch cfg.Transport {
	case config.TransportStdio:
		err = server.ServeStdio()
	case config.TransportSSE:
		log.WithField("addr", cfg.Addr()).Info("listening")
		err = server.ServeSSE(cfg.Addr())
	case config.TransportHTTP:
		log.WithField("addr", cfg.Addr()).Info("listening")
		err = server.ServeHTTP(cfg.Addr())
	default:
		err = fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	server.Close()
	return err
}

func applyOverrides(cfg *config.Config, flags *rootFlags) {
	if flags.transport != "" {
		cfg.Transport = config.Transport(flags.transport)
	}
	if flags.host != "" {
		cfg.Host = flags.host
	}
	if flags.port > 0 {
		cfg.Port = flags.port
	}
	if flags.gdbPath != "" {
		cfg.GDB.Path = flags.gdbPath
	}
	if flags.relayHost != "" {
		cfg.Relay.Host = flags.relayHost
		cfg.Relay.Enabled = true
	}
	if flags.relayPort > 0 {
		cfg.Relay.Port = flags.relayPort
		cfg.Relay.Enabled = true
	}
	if flags.relayName != "" {
		cfg.Relay.Name = flags.relayName
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
}
