package mcp

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pwnmcp/pwnmcp/internal/errors"
	"github.com/pwnmcp/pwnmcp/internal/relay"
	"github.com/pwnmcp/pwnmcp/pkg/types"
)

// Session Handlers

func (s *Server) handleLoadExecutable(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("path",
			"Specify the path to the executable to load, e.g. './vuln' or '/usr/bin/cat'.").Error()), nil
	}

	var args []string
	if raw, err := request.RequireString("args"); err == nil && raw != "" {
		args = strings.Fields(raw)
	}

	if err := s.session.Load(ctx, path, args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]interface{}{
		"status":     "loaded",
		"executable": path,
	}
	if len(args) > 0 {
		result["args"] = args
	}
	return jsonResult(result)
}

func (s *Server) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.session.Status())
}

func (s *Server) handleResetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.session.HardReset(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{
		"status": "reset",
		"state":  string(types.StateUnloaded),
	})
}

// Control-Channel Handlers

func (s *Server) handleExecuteCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("command",
			"Specify the debugger command, e.g. 'break main' or '-exec-continue'.").Error()), nil
	}

	var timeout time.Duration
	if t, err := request.RequireFloat("timeoutSec"); err == nil && t > 0 {
		timeout = time.Duration(t * float64(time.Second))
	}

	rec, console, err := s.session.ExecuteCommand(ctx, command, timeout)
	if err != nil {
		// Console output that arrived before the failure is still useful
		// context for the caller, so it rides along in the error text.
		msg := err.Error()
		if console != "" {
			msg += "\n\nConsole output before failure:\n" + console
		}
		return mcp.NewToolResultError(msg), nil
	}

	result := map[string]interface{}{
		"result": rec.Message,
	}
	if len(rec.Payload) > 0 {
		result["payload"] = rec.Payload
	}
	if console != "" {
		result["console"] = console
	}
	if rec.Message == "error" {
		result["error"] = rec.PayloadString("msg")
	}
	return jsonResult(result)
}

func (s *Server) handleDebugControl(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actionStr, err := request.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("action",
			"Specify one of: run, continue, step, stepi, next, finish, stop.").Error()), nil
	}

	action, ok := parseAction(actionStr)
	if !ok {
		return mcp.NewToolResultError(errors.InvalidParameter("action", actionStr,
			"Valid actions are: run, continue, step, stepi, next, finish, stop.").Error()), nil
	}

	if err := s.session.Control(ctx, action); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{
		"status": "accepted",
		"action": string(action),
		"state":  string(s.session.Status().State),
	})
}

func parseAction(s string) (types.ControlAction, bool) {
	switch types.ControlAction(strings.ToLower(s)) {
	case types.ActionRun:
		return types.ActionRun, true
	case types.ActionContinue:
		return types.ActionContinue, true
	case types.ActionStep:
		return types.ActionStep, true
	case types.ActionStepI:
		return types.ActionStepI, true
	case types.ActionNext:
		return types.ActionNext, true
	case types.ActionFinish:
		return types.ActionFinish, true
	case types.ActionStop:
		return types.ActionStop, true
	}
	return "", false
}

// Process I/O Handlers

func (s *Server) handleSendToProcess(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := request.RequireString("data")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("data",
			"Specify the data to send. Use $( expr ) for computed payload bytes and '$$' for a literal '$'.").Error()), nil
	}

	payload, err := s.evaluator.Expand(data)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	n, err := s.session.WriteStdin(payload)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{
		"status":       "sent",
		"bytesWritten": n,
	})
}

func (s *Server) handleReadFromProcess(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	size := 1024
	if v, err := request.RequireFloat("size"); err == nil && v > 0 {
		size = int(v)
	}
	wait := s.config.ReadTimeout()
	if v, err := request.RequireFloat("timeoutSec"); err == nil && v >= 0 {
		wait = time.Duration(v * float64(time.Second))
	}

	data, err := s.session.ReadOutput(size, wait)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]interface{}{
		"bytesRead": len(data),
	}
	if len(data) > 0 {
		if printable(data) {
			result["data"] = string(data)
		} else {
			result["encoding"] = "hexdump"
			result["data"] = hex.Dump(data)
		}
	}
	return jsonResult(result)
}

func (s *Server) handleInterruptProcess(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.session.Control(ctx, types.ActionStop); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{
		"status": "interrupt sent",
		"note":   "The stop is reported asynchronously; call session_status to observe it.",
	})
}

// Symbol Relay Handlers

func (s *Server) handleConnectSymbolRelay(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg := s.config.Relay
	if h, err := request.RequireString("host"); err == nil && h != "" {
		cfg.Host = h
	}
	if p, err := request.RequireFloat("port"); err == nil && p > 0 {
		cfg.Port = int(p)
	}
	if n, err := request.RequireString("name"); err == nil && n != "" {
		cfg.Name = n
	}

	s.relayMu.Lock()
	if s.relay == nil {
		s.relay = relay.New(cfg, s.log)
		s.session.SetSymbolRelay(s.relay)
	} else {
		s.relay.Reconfigure(cfg)
	}
	r := s.relay
	s.relayMu.Unlock()

	if err := r.Connect(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]interface{}{
		"status": "connected",
		"peer":   cfg.Addr(),
	}
	// Re-announce the current executable so a late-joining peer catches up.
	if exe := s.session.Executable(); exe != "" {
		if err := r.PushExecutable(exe); err != nil {
			result["pushWarning"] = err.Error()
		} else {
			result["pushed"] = exe
		}
	}
	return jsonResult(result)
}

// Inspection Alias Handler

// aliasHandler adapts a command builder into a tool handler that runs the
// built command through the CLI interpreter and returns its console output.
func (s *Server) aliasHandler(build func(mcp.CallToolRequest) string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		command := build(request)
		rec, console, err := s.session.ExecuteCommand(ctx, command, 0)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if rec.Message == "error" {
			return mcp.NewToolResultError(errors.GdbError(command, rec.PayloadString("msg")).Error()), nil
		}
		if console == "" {
			console = "(no output)"
		}
		return mcp.NewToolResultText(console), nil
	}
}

// Helpers

func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// printable reports whether data is safe to return as plain text: valid
// UTF-8 with no control characters besides tab, newline and carriage return.
func printable(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	for _, b := range data {
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			return false
		}
	}
	return true
}
