// Package mcp provides the Model Context Protocol (MCP) server implementation.
//
// This package exposes the debug session bridge through MCP tools usable by
// AI assistants and other MCP clients:
//
// Session:
//   - load_executable: load a binary (and arguments) into the debugger
//   - session_status: best-effort lifecycle snapshot
//   - reset_session: tear down and respawn the debugger
//
// Control channel:
//   - execute_command: raw GDB/MI or CLI command
//   - debug_control: run/continue/step/stepi/next/finish/stop
//
// Process I/O:
//   - send_to_process: write bytes (with $( ) payload expressions) to the
//     debuggee's terminal
//   - read_from_process: drain accumulated debuggee output
//   - interrupt_process: deliver the terminal interrupt character
//
// Symbol relay:
//   - connect_symbol_relay: (re)configure and connect the decompiler peer
//
// Inspection aliases (read-only pwndbg commands): telescope, context, heap,
// bins, stack, backtrace, xinfo, vmmap, checksec, disassemble, procinfo,
// tls, list_pwndbg_commands.
package mcp

import (
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/pwnmcp/pwnmcp/internal/config"
	"github.com/pwnmcp/pwnmcp/internal/gdbmi"
	"github.com/pwnmcp/pwnmcp/internal/payload"
	"github.com/pwnmcp/pwnmcp/internal/relay"
	"github.com/pwnmcp/pwnmcp/internal/version"
)

// Server wraps the MCP server with the debug session bridge
type Server struct {
	mcpServer *server.MCPServer
	session   *gdbmi.Session
	evaluator *payload.Evaluator
	config    *config.Config
	log       *logrus.Logger

	relayMu sync.Mutex
	relay   *relay.Relay
}

// NewServer creates a new pwnmcp server
func NewServer(cfg *config.Config, log *logrus.Logger) *Server {
	mcpServer := server.NewMCPServer(
		"pwnmcp",
		version.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	session := gdbmi.NewSession(cfg, log)

	s := &Server{
		mcpServer: mcpServer,
		session:   session,
		evaluator: payload.NewEvaluator(),
		config:    cfg,
		log:       log,
	}

	if cfg.Relay.Enabled {
		s.relay = relay.New(cfg.Relay, log)
		session.SetSymbolRelay(s.relay)
	}

	s.registerTools()
	return s
}

// ServeStdio starts the server on the stdio transport.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE starts the server on the SSE transport at addr.
func (s *Server) ServeSSE(addr string) error {
	sse := server.NewSSEServer(s.mcpServer)
	return sse.Start(addr)
}

// ServeHTTP starts the server on the streamable HTTP transport at addr.
func (s *Server) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(addr)
}

// Close shuts down the bridge and releases every resource.
func (s *Server) Close() {
	s.session.Close()
	s.relayMu.Lock()
	if s.relay != nil {
		s.relay.Close()
	}
	s.relayMu.Unlock()
	s.evaluator.Close()
}

// Session returns the owned debug session.
func (s *Server) Session() *gdbmi.Session {
	return s.session
}
