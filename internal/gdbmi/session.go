package gdbmi

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pwnmcp/pwnmcp/internal/config"
	"github.com/pwnmcp/pwnmcp/internal/errors"
	"github.com/pwnmcp/pwnmcp/pkg/types"
)

// SymbolRelay is the optional capability of pushing the loaded executable's
// metadata to an external decompiler peer. The session works identically
// with or without one; push failures are warnings, never session errors.
type SymbolRelay interface {
	PushExecutable(path string) error
	Ready() bool
}

// Session owns exactly one debugger subprocess and is the single source of
// truth for the debuggee lifecycle. Control-channel records and PTY hangup
// events arrive on independent goroutines; every state transition funnels
// through one mutex-guarded apply step, so no caller ever observes a state
// that a later event has already superseded.
type Session struct {
	cfg *config.Config
	log *logrus.Entry

	mu         sync.Mutex
	id         string
	started    bool
	gen        int // epoch, bumped on every teardown to quiesce stale readers
	state      types.LifecycleState
	stopReason string
	exitCode   *int
	executable string

	cmd    *exec.Cmd
	client *Client
	pty    *PTY

	relay SymbolRelay
}

// NewSession creates an unstarted session. The debugger process is spawned
// lazily by the first operation that needs it.
func NewSession(cfg *config.Config, logger *logrus.Logger) *Session {
	return &Session{
		cfg:   cfg,
		log:   logger.WithField("component", "session"),
		id:    uuid.New().String(),
		state: types.StateUnloaded,
	}
}

// SetSymbolRelay attaches or replaces the symbol relay capability.
func (s *Session) SetSymbolRelay(r SymbolRelay) {
	s.mu.Lock()
	s.relay = r
	s.mu.Unlock()
}

// EnsureStarted spawns the debugger if it is not already running.
func (s *Session) EnsureStarted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	return s.startLocked()
}

// startLocked spawns gdb with a fresh PTY and control channel. Caller holds mu.
func (s *Session) startLocked() error {
	p, err := OpenPTY(s.cfg.IOBufferSize, s.log.WithField("component", "pty"))
	if err != nil {
		return errors.PTYUnavailable(err)
	}

	args := append([]string{}, s.cfg.GDB.Args...)
	args = append(args, "-ex", "set inferior-tty "+p.Name())

	cmd := exec.Command(s.cfg.GDB.Path, args...)
	setProcAttr(cmd)
	cmd.Stderr = s.log.WriterLevel(logrus.DebugLevel)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.Close()
		return errors.SpawnFailed(s.cfg.GDB.Path, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.Close()
		return errors.SpawnFailed(s.cfg.GDB.Path, err)
	}

	if err := cmd.Start(); err != nil {
		p.Close()
		return errors.SpawnFailed(s.cfg.GDB.Path, err)
	}

	s.gen++
	gen := s.gen
	s.id = uuid.New().String()
	s.cmd = cmd
	s.pty = p
	s.client = NewClient(stdin, stdout, func(rec *Record) {
		s.handleRecord(gen, rec)
	}, s.log.WithField("component", "client"))
	s.started = true
	s.resetLocked()
	s.executable = ""

	go s.watch(gen, s.client, p)
	go func() { _ = cmd.Wait() }()

	s.log.WithFields(logrus.Fields{
		"pid": cmd.Process.Pid,
		"tty": p.Name(),
	}).Info("debugger spawned")
	return nil
}

// watch merges the two channel-death signals into the state machine.
func (s *Session) watch(gen int, c *Client, p *PTY) {
	select {
	case <-c.Done():
		s.onChannelDown(gen, "control channel closed")
	case <-p.Hangup():
		s.onChannelDown(gen, "pty hangup")
	}
	// Whichever side died first, the other must not strand pending calls.
	c.Close()
}

func (s *Session) onChannelDown(gen int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.applyLocked(types.StateTerminated, reason, nil)
}

// handleRecord is the permanent notification subscriber. It runs on the
// client's read loop, so records are applied in strict receipt order.
func (s *Session) handleRecord(gen int, rec *Record) {
	if rec.Class != ClassExecAsync {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}

	switch rec.Message {
	case "running":
		s.applyLocked(types.StateRunning, "", nil)
	case "stopped":
		reason := rec.PayloadString("reason")
		switch reason {
		case "exited-normally":
			code := 0
			s.applyLocked(types.StateExited, reason, &code)
		case "exited":
			code := parseExitCode(rec.PayloadString("exit-code"))
			s.applyLocked(types.StateExited, reason, &code)
		case "exited-signalled":
			code := -1
			s.applyLocked(types.StateExited, rec.PayloadString("signal-name"), &code)
		default:
			if reason == "" {
				reason = rec.PayloadString("signal-name")
			}
			s.applyLocked(types.StateStopped, reason, nil)
		}
	}
}

// parseExitCode parses gdb's exit-code payload, which is printed in octal.
func parseExitCode(s string) int {
	if s == "" {
		return 0
	}
	if v, err := strconv.ParseInt(s, 8, 32); err == nil {
		return int(v)
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return -1
}

// applyLocked is the single transition point of the state machine. Moves the
// lifecycle does not define are dropped here, so a stray or stale record can
// never push the session into an undefined state.
func (s *Session) applyLocked(state types.LifecycleState, reason string, exitCode *int) {
	if s.state == state && state != types.StateStopped {
		return
	}
	if !canTransition(s.state, state) {
		s.log.WithFields(logrus.Fields{
			"from":   s.state,
			"to":     state,
			"reason": reason,
		}).Debug("ignoring undefined lifecycle transition")
		return
	}
	s.log.WithFields(logrus.Fields{
		"from":   s.state,
		"to":     state,
		"reason": reason,
	}).Debug("lifecycle transition")
	s.state = state
	s.stopReason = reason
	s.exitCode = exitCode
}

// canTransition is the lifecycle edge table. Terminated can be entered from
// anywhere but never left, and Exited only moves to Terminated; both are
// escaped solely through resetLocked on a hard reset or respawn.
func canTransition(from, to types.LifecycleState) bool {
	if to == types.StateTerminated {
		return true
	}
	switch from {
	case types.StateUnloaded:
		return to == types.StateLoaded
	case types.StateLoaded:
		return to == types.StateRunning || to == types.StateExited
	case types.StateRunning:
		return to == types.StateStopped || to == types.StateExited
	case types.StateStopped:
		return to == types.StateRunning || to == types.StateStopped || to == types.StateExited
	}
	return false
}

// resetLocked forces the machine back to Unloaded. This is the only way out
// of Exited and Terminated; every ordinary move goes through applyLocked.
func (s *Session) resetLocked() {
	if s.state != types.StateUnloaded {
		s.log.WithField("from", s.state).Debug("lifecycle reset")
	}
	s.state = types.StateUnloaded
	s.stopReason = ""
	s.exitCode = nil
}

// snapshot returns the live client, the current state and the epoch it was
// observed in, without holding the lock across I/O. Callers that apply a
// transition after an unlocked call must recheck the epoch first.
func (s *Session) snapshot() (*Client, types.LifecycleState, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		if err := s.startLocked(); err != nil {
			return nil, s.state, s.gen, err
		}
	}
	return s.client, s.state, s.gen, nil
}

// Load loads an executable into the debugger and records its arguments.
// Valid before the debuggee has been started; a running or finished target
// requires a reset first.
func (s *Session) Load(ctx context.Context, path string, args []string) error {
	client, state, gen, err := s.snapshot()
	if err != nil {
		return err
	}
	switch state {
	case types.StateUnloaded, types.StateLoaded:
	default:
		return errors.InvalidState("load_executable", string(state))
	}

	rec, err := client.Call(ctx, "-file-exec-and-symbols "+miQuote(path), s.cfg.CommandTimeout())
	if err != nil {
		return err
	}
	if rec.Message == "error" {
		return errors.GdbError("-file-exec-and-symbols", rec.PayloadString("msg"))
	}

	if len(args) > 0 {
		rec, err = client.Call(ctx, "-exec-arguments "+strings.Join(args, " "), s.cfg.CommandTimeout())
		if err != nil {
			return err
		}
		if rec.Message == "error" {
			return errors.GdbError("-exec-arguments", rec.PayloadString("msg"))
		}
	}

	// The debugger may have died between the ^done reply and this lock.
	// A stale Loaded must never overwrite the Terminated transition the
	// watch goroutine applied, so recheck the epoch and state first.
	s.mu.Lock()
	if gen != s.gen || s.state == types.StateTerminated {
		reason := s.stopReason
		s.mu.Unlock()
		return errors.ChannelClosed(reason)
	}
	s.executable = path
	relay := s.relay
	s.applyLocked(types.StateLoaded, "", nil)
	s.mu.Unlock()

	if relay != nil {
		go s.pushSymbols(relay, path)
	}
	return nil
}

// pushSymbols forwards the executable's metadata to the relay peer. Relay
// trouble degrades to a warning; the session keeps working without it.
func (s *Session) pushSymbols(relay SymbolRelay, path string) {
	if err := relay.PushExecutable(path); err != nil {
		s.log.WithError(err).WithField("executable", path).Warn("symbol relay push failed")
	}
}

// Control executes a debug-control action. Validity is checked against the
// current lifecycle state before anything reaches the debugger.
func (s *Session) Control(ctx context.Context, action types.ControlAction) error {
	client, state, _, err := s.snapshot()
	if err != nil {
		return err
	}

	var command string
	switch action {
	case types.ActionRun:
		if state != types.StateLoaded {
			return errors.InvalidState("run", string(state))
		}
		command = "-exec-run"
	case types.ActionContinue:
		if state != types.StateStopped {
			return errors.InvalidState("continue", string(state))
		}
		command = "-exec-continue"
	case types.ActionStep:
		if state != types.StateStopped {
			return errors.InvalidState("step", string(state))
		}
		command = "-exec-step"
	case types.ActionStepI:
		if state != types.StateStopped {
			return errors.InvalidState("stepi", string(state))
		}
		command = "-exec-step-instruction"
	case types.ActionNext:
		if state != types.StateStopped {
			return errors.InvalidState("next", string(state))
		}
		command = "-exec-next"
	case types.ActionFinish:
		if state != types.StateStopped {
			return errors.InvalidState("finish", string(state))
		}
		command = "-exec-finish"
	case types.ActionStop:
		if state != types.StateRunning {
			return errors.InvalidState("stop", string(state))
		}
		return s.Interrupt()
	default:
		return errors.InvalidParameter("action", string(action), "run, continue, step, stepi, next, finish or stop")
	}

	rec, err := client.Call(ctx, command, s.cfg.CommandTimeout())
	if err != nil {
		return err
	}
	if rec.Message == "error" {
		return errors.GdbError(command, rec.PayloadString("msg"))
	}
	// The Running transition comes from the *running exec-async record on
	// the read loop, which keeps transitions in strict receipt order. The
	// ^running result only acknowledges the command.
	return nil
}

// ExecuteCommand runs a raw command through the control channel and returns
// the result record together with any console output it produced. Non-MI
// input (no leading dash) is wrapped for the CLI interpreter.
func (s *Session) ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (*Record, string, error) {
	client, state, _, err := s.snapshot()
	if err != nil {
		return nil, "", err
	}
	if state == types.StateTerminated {
		return nil, "", errors.InvalidState("execute_command", string(state))
	}
	if timeout <= 0 {
		timeout = s.cfg.CommandTimeout()
	}

	wire := command
	if !strings.HasPrefix(command, "-") {
		wire = "-interpreter-exec console " + miQuote(command)
	}

	// Console text from this command arrives as uncorrelated stream records
	// strictly before the result record, so draining the subscriber after
	// Call returns captures exactly the output that preceded completion.
	sub, cancel := client.Subscribe()
	defer cancel()

	rec, err := client.Call(ctx, wire, timeout)
	if err != nil {
		return nil, drainConsole(sub), err
	}
	return rec, drainConsole(sub), nil
}

func drainConsole(sub <-chan *Record) string {
	var sb strings.Builder
	for {
		select {
		case r := <-sub:
			if r.Class == ClassStream && (r.StreamKind == StreamConsole || r.StreamKind == StreamTarget || r.StreamKind == StreamRaw) {
				sb.WriteString(r.Text)
			}
		default:
			return sb.String()
		}
	}
}

// WriteStdin injects bytes into the debuggee's terminal input.
func (s *Session) WriteStdin(data []byte) (int, error) {
	s.mu.Lock()
	p := s.pty
	s.mu.Unlock()
	if p == nil {
		return 0, errors.PTYUnavailable(nil)
	}
	return p.Write(data)
}

// ReadOutput drains debuggee output accumulated since the previous read.
func (s *Session) ReadOutput(max int, wait time.Duration) ([]byte, error) {
	s.mu.Lock()
	p := s.pty
	s.mu.Unlock()
	if p == nil {
		return nil, errors.PTYUnavailable(nil)
	}
	return p.Read(max, wait), nil
}

// Interrupt delivers the terminal interrupt character to the debuggee. The
// Stopped transition follows from the resulting async record, not from this
// call.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	p := s.pty
	s.mu.Unlock()
	if p == nil {
		return errors.PTYUnavailable(nil)
	}
	return p.Interrupt()
}

// Status returns a best-effort snapshot. It is exact about the last applied
// transition but the debuggee may have moved on since.
func (s *Session) Status() types.StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := types.StatusInfo{
		SessionID:  s.id,
		State:      s.state,
		Executable: s.executable,
		StopReason: s.stopReason,
		ExitCode:   s.exitCode,
	}
	if s.relay != nil {
		info.RelayReady = s.relay.Ready()
	}
	return info
}

// HardReset tears down the debugger process and every channel, then spawns
// a fresh session. Safe to invoke from any state; pending control calls
// fail with ChannelClosed.
func (s *Session) HardReset() error {
	s.teardown()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

// Close tears the session down without respawning.
func (s *Session) Close() {
	s.teardown()
}

func (s *Session) teardown() {
	s.mu.Lock()
	client := s.client
	p := s.pty
	cmd := s.cmd
	s.gen++
	s.started = false
	s.client = nil
	s.pty = nil
	s.cmd = nil
	s.resetLocked()
	s.executable = ""
	s.mu.Unlock()

	if client != nil {
		// Ask politely first, then make sure.
		_ = client.Send("-gdb-exit")
		client.Close()
	}
	if cmd != nil && cmd.Process != nil {
		if err := killProcessGroup(cmd.Process.Pid, cmd); err != nil {
			s.log.WithError(err).Warn("failed to kill debugger process group")
		}
	}
	if p != nil {
		_ = p.Close()
	}
	if client != nil {
		client.Wait()
	}
}

// miQuote renders a string as an MI c-string argument.
func miQuote(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

// ID returns the session identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Executable returns the currently loaded executable path, if any.
func (s *Session) Executable() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executable
}
