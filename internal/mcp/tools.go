package mcp

import (
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers the bridge tool surface
func (s *Server) registerTools() {
	// Session
	s.registerLoadExecutable()
	s.registerSessionStatus()
	s.registerResetSession()

	// Control channel
	s.registerExecuteCommand()
	s.registerDebugControl()

	// Process I/O
	s.registerSendToProcess()
	s.registerReadFromProcess()
	s.registerInterruptProcess()

	// Symbol relay
	s.registerConnectSymbolRelay()

	// Read-only inspection aliases
	s.registerInspectionAliases()
}

func (s *Server) registerLoadExecutable() {
	tool := mcp.NewTool("load_executable",
		mcp.WithDescription("Load an executable into the debugger and set up the process terminal. Must be called before run. Arguments, if given, are passed to the program on run."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the executable file"),
		),
		mcp.WithString("args",
			mcp.Description("Command-line arguments for the program, space separated"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleLoadExecutable)
}

func (s *Server) registerSessionStatus() {
	tool := mcp.NewTool("session_status",
		mcp.WithDescription("Get an approximate session snapshot: lifecycle state, last stop reason, exit code, loaded executable, relay availability. Best-effort: the target may have changed state by the time you read it."),
	)
	s.mcpServer.AddTool(tool, s.handleSessionStatus)
}

func (s *Server) registerResetSession() {
	tool := mcp.NewTool("reset_session",
		mcp.WithDescription("Hard-reset the debug session: kill the debugger and its target, discard all buffered output, and spawn a fresh debugger. Works from any state; pending commands fail with CHANNEL_CLOSED."),
	)
	s.mcpServer.AddTool(tool, s.handleResetSession)
}

func (s *Server) registerExecuteCommand() {
	tool := mcp.NewTool("execute_command",
		mcp.WithDescription("Execute a raw debugger command. Commands starting with '-' are GDB/MI; anything else runs through the CLI interpreter (including pwndbg commands). Returns the result record and any console output."),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("The command to execute, e.g. 'break main' or '-exec-continue'"),
		),
		mcp.WithNumber("timeoutSec",
			mcp.Description("Command timeout in seconds (default from configuration)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleExecuteCommand)
}

func (s *Server) registerDebugControl() {
	tool := mcp.NewTool("debug_control",
		mcp.WithDescription("Execution control: 'run' (start a loaded program), 'continue', 'step', 'stepi', 'next', 'finish', or 'stop' (interrupt a running target). Invalid actions for the current state are rejected without reaching the debugger."),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("One of: run, continue, step, stepi, next, finish, stop"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugControl)
}

func (s *Server) registerSendToProcess() {
	tool := mcp.NewTool("send_to_process",
		mcp.WithDescription("Send data to the target process through its terminal, as if typed. Segments written as $( lua-expression ) are evaluated and spliced in as raw bytes; helpers p8/p16/p32/p64 (le), p16be/p32be/p64be, rep(s,n) and cyclic(n) are available. Use '$$' for a literal '$'. No newline is appended."),
		mcp.WithString("data",
			mcp.Required(),
			mcp.Description("Data to send, e.g. 'AAAA$(p64(0xdeadbeef))\\n'"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleSendToProcess)
}

func (s *Server) registerReadFromProcess() {
	tool := mcp.NewTool("read_from_process",
		mcp.WithDescription("Read output the target process has written since the last read. Returns an empty result when nothing new arrived within the wait. Binary data is returned as a hex dump."),
		mcp.WithNumber("size",
			mcp.Description("Maximum bytes to read (default 1024)"),
		),
		mcp.WithNumber("timeoutSec",
			mcp.Description("Seconds to wait for output when none is buffered (default from configuration)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleReadFromProcess)
}

func (s *Server) registerInterruptProcess() {
	tool := mcp.NewTool("interrupt_process",
		mcp.WithDescription("Interrupt the running target by writing the terminal interrupt character to its terminal. The stop is reported asynchronously; check session_status afterwards."),
	)
	s.mcpServer.AddTool(tool, s.handleInterruptProcess)
}

func (s *Server) registerConnectSymbolRelay() {
	tool := mcp.NewTool("connect_symbol_relay",
		mcp.WithDescription("Connect or reconfigure the symbol relay to an external decompiler service. Section snapshots of loaded executables are pushed over it. Failure degrades gracefully: debugging continues without the relay."),
		mcp.WithString("host",
			mcp.Description("Relay peer host (default from configuration)"),
		),
		mcp.WithNumber("port",
			mcp.Description("Relay peer port (default from configuration)"),
		),
		mcp.WithString("name",
			mcp.Description("Display name announced to the peer"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleConnectSymbolRelay)
}

func (s *Server) registerInspectionAliases() {
	addressArg := mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Address or symbol to inspect"),
	)

	simple := func(name, desc, command string) {
		tool := mcp.NewTool(name, mcp.WithDescription(desc))
		s.mcpServer.AddTool(tool, s.aliasHandler(func(mcp.CallToolRequest) string { return command }))
	}

	// Memory dump
	tool := mcp.NewTool("telescope",
		mcp.WithDescription("Dump memory at an address: dereference a window of pointers with pwndbg's telescope."),
		addressArg,
		mcp.WithNumber("count", mcp.Description("Number of entries (default 10)")),
	)
	s.mcpServer.AddTool(tool, s.aliasHandler(func(req mcp.CallToolRequest) string {
		addr, _ := req.RequireString("address")
		count := 10
		if c, err := req.RequireFloat("count"); err == nil && c > 0 {
			count = int(c)
		}
		return "telescope " + addr + " " + strconv.Itoa(count)
	}))

	// Execution context
	simple("context", "Show the full execution context: registers, disassembly, stack and backtrace around the current stop.", "context")

	// Heap state
	simple("heap", "Show the heap state of the target process.", "heap")
	simple("bins", "Show the allocator's bins (fastbins, tcache, small/large/unsorted).", "bins")

	// Call stack
	stackTool := mcp.NewTool("stack",
		mcp.WithDescription("Show the stack contents around the stack pointer."),
		mcp.WithNumber("count", mcp.Description("Number of entries (default 10)")),
	)
	s.mcpServer.AddTool(stackTool, s.aliasHandler(func(req mcp.CallToolRequest) string {
		count := 10
		if c, err := req.RequireFloat("count"); err == nil && c > 0 {
			count = int(c)
		}
		return "stack " + strconv.Itoa(count)
	}))
	simple("backtrace", "Show the call stack of the current thread.", "backtrace")

	// Cross-reference info
	xinfoTool := mcp.NewTool("xinfo",
		mcp.WithDescription("Show everything known about an address: mapping, permissions, offsets and cross-references."),
		addressArg,
	)
	s.mcpServer.AddTool(xinfoTool, s.aliasHandler(func(req mcp.CallToolRequest) string {
		addr, _ := req.RequireString("address")
		return "xinfo " + addr
	}))

	// Further pwndbg wrappers
	simple("vmmap", "Show the virtual memory map of the target process.", "vmmap")
	simple("checksec", "Show the hardening options the loaded binary was built with.", "checksec")
	simple("procinfo", "Show process information (pid, uid, open fds) for the target.", "procinfo")
	simple("tls", "Show the thread-local storage base and contents.", "tls")
	simple("list_pwndbg_commands", "List every command pwndbg provides.", "pwndbg --all")

	disasTool := mcp.NewTool("disassemble",
		mcp.WithDescription("Disassemble a function by name or address."),
		mcp.WithString("function",
			mcp.Required(),
			mcp.Description("Function name or address to disassemble"),
		),
	)
	s.mcpServer.AddTool(disasTool, s.aliasHandler(func(req mcp.CallToolRequest) string {
		fn, _ := req.RequireString("function")
		return "disassemble " + fn
	}))
}
