//go:build !windows

package gdbmi

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pwnmcp/pwnmcp/internal/config"
	"github.com/pwnmcp/pwnmcp/internal/errors"
	"github.com/pwnmcp/pwnmcp/pkg/types"
)

// fakeGdbScript emulates enough of gdb's MI behavior to drive the session:
// it answers token-prefixed commands, emits exec-async records around run
// and continue, and writes the debuggee's greeting to the inferior tty.
const fakeGdbScript = `#!/bin/sh
tty=""
for a in "$@"; do
  case "$a" in
    "set inferior-tty "*) tty="${a#set inferior-tty }" ;;
  esac
done
echo '=thread-group-added,id="i1"'
echo '(gdb)'
while IFS= read -r line; do
  tok="${line%%[!0-9]*}"
  cmd="${line#"$tok"}"
  case "$cmd" in
    "-file-exec-and-symbols "*) echo "${tok}^done" ;;
    "-exec-arguments "*) echo "${tok}^done" ;;
    "-exec-run")
      echo "${tok}^running"
      echo '*running,thread-id="all"'
      if [ -n "$tty" ]; then printf 'flag{test}\n' > "$tty"; fi
      echo '*stopped,reason="breakpoint-hit",bkptno="1",thread-id="1"'
      ;;
    "-exec-continue")
      echo "${tok}^running"
      echo '*running,thread-id="all"'
      echo '*stopped,reason="exited-normally"'
      ;;
    "-interpreter-exec console "*)
      echo '~"pwndbg> heap chunks\n"'
      echo "${tok}^done"
      ;;
    "-hang") sleep 60 ;;
    "-break-insert "*) echo "${tok}^done,bkpt={number=\"1\",type=\"breakpoint\"}" ;;
    "-gdb-exit") echo "${tok}^exit"; exit 0 ;;
    *) echo "${tok}^done" ;;
  esac
  echo '(gdb)'
done
`

func fakeGdbConfig(t *testing.T) *config.Config {
	return fakeGdbConfigScript(t, fakeGdbScript)
}

func fakeGdbConfigScript(t *testing.T, script string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakegdb")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake gdb: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.GDB.Path = path
	cfg.GDB.Args = nil
	cfg.CommandTimeoutSec = 5
	return cfg
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func waitForState(t *testing.T, s *Session, state types.LifecycleState) types.StatusInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		info := s.Status()
		if info.State == state {
			return info
		}
		if time.Now().After(deadline) {
			t.Fatalf("state never reached %s, stuck at %s (reason %q)", state, info.State, info.StopReason)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestSession_Lifecycle drives a full run: load, run to a breakpoint, read
// the debuggee's output, continue to exit.
func TestSession_Lifecycle(t *testing.T) {
	s := NewSession(fakeGdbConfig(t), testLogger())
	defer s.Close()
	ctx := context.Background()

	if got := s.Status().State; got != types.StateUnloaded {
		t.Fatalf("fresh session state: %s", got)
	}

	if err := s.Load(ctx, "/bin/true", []string{"one", "two"}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	info := waitForState(t, s, types.StateLoaded)
	if info.Executable != "/bin/true" {
		t.Errorf("executable not recorded: %q", info.Executable)
	}

	if err := s.Control(ctx, types.ActionRun); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	info = waitForState(t, s, types.StateStopped)
	if info.StopReason != "breakpoint-hit" {
		t.Errorf("stop reason: %q", info.StopReason)
	}

	out, err := s.ReadOutput(1024, 2*time.Second)
	if err != nil {
		t.Fatalf("ReadOutput failed: %v", err)
	}
	if !strings.Contains(string(out), "flag{test}") {
		t.Errorf("debuggee output missing: %q", out)
	}
	// The delta was consumed.
	if out, _ = s.ReadOutput(1024, 20*time.Millisecond); len(out) != 0 {
		t.Errorf("second read should be empty, got %q", out)
	}

	if err := s.Control(ctx, types.ActionContinue); err != nil {
		t.Fatalf("continue failed: %v", err)
	}
	info = waitForState(t, s, types.StateExited)
	if info.ExitCode == nil || *info.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", info.ExitCode)
	}
}

// TestSession_InvalidStateRejections verifies control actions are rejected
// locally when the lifecycle does not allow them.
func TestSession_InvalidStateRejections(t *testing.T) {
	s := NewSession(fakeGdbConfig(t), testLogger())
	defer s.Close()
	ctx := context.Background()

	// Nothing loaded: run and continue are both invalid.
	if err := s.Control(ctx, types.ActionRun); !errors.IsCode(err, errors.CodeInvalidState) {
		t.Errorf("run while unloaded: %v", err)
	}
	if err := s.Control(ctx, types.ActionContinue); !errors.IsCode(err, errors.CodeInvalidState) {
		t.Errorf("continue while unloaded: %v", err)
	}
	if err := s.Control(ctx, types.ActionStop); !errors.IsCode(err, errors.CodeInvalidState) {
		t.Errorf("stop while unloaded: %v", err)
	}

	if err := s.Load(ctx, "/bin/true", nil); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// Loaded but not running: stepping is invalid, run is fine.
	if err := s.Control(ctx, types.ActionStep); !errors.IsCode(err, errors.CodeInvalidState) {
		t.Errorf("step while loaded: %v", err)
	}
}

// TestSession_ExecuteCommandConsole verifies CLI wrapping and console
// capture for non-MI commands.
func TestSession_ExecuteCommandConsole(t *testing.T) {
	s := NewSession(fakeGdbConfig(t), testLogger())
	defer s.Close()

	rec, console, err := s.ExecuteCommand(context.Background(), "heap", 0)
	if err != nil {
		t.Fatalf("ExecuteCommand failed: %v", err)
	}
	if rec.Message != "done" {
		t.Errorf("expected done, got %s", rec.Message)
	}
	if !strings.Contains(console, "heap chunks") {
		t.Errorf("console output missing: %q", console)
	}
}

// TestSession_ExecuteCommandTimeout verifies a wedged command times out and
// the session survives.
func TestSession_ExecuteCommandTimeout(t *testing.T) {
	s := NewSession(fakeGdbConfig(t), testLogger())
	defer s.Close()

	_, _, err := s.ExecuteCommand(context.Background(), "-hang", 100*time.Millisecond)
	if !errors.IsCode(err, errors.CodeCommandTimeout) {
		t.Fatalf("expected COMMAND_TIMEOUT, got %v", err)
	}
}

// TestSession_HardReset verifies the reset returns to Unloaded with a fresh
// identity and a working debugger.
func TestSession_HardReset(t *testing.T) {
	s := NewSession(fakeGdbConfig(t), testLogger())
	defer s.Close()
	ctx := context.Background()

	if err := s.Load(ctx, "/bin/true", nil); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	oldID := s.ID()

	if err := s.HardReset(); err != nil {
		t.Fatalf("HardReset failed: %v", err)
	}

	info := s.Status()
	if info.State != types.StateUnloaded {
		t.Errorf("state after reset: %s", info.State)
	}
	if info.Executable != "" {
		t.Errorf("executable survived reset: %q", info.Executable)
	}
	if s.ID() == oldID {
		t.Error("session identity must change on reset")
	}

	// The fresh debugger works.
	if err := s.Load(ctx, "/bin/false", nil); err != nil {
		t.Fatalf("Load after reset failed: %v", err)
	}
}

// TestSession_ResetFailsPendingCall verifies a call in flight when the reset
// lands fails with CHANNEL_CLOSED instead of hanging.
func TestSession_ResetFailsPendingCall(t *testing.T) {
	s := NewSession(fakeGdbConfig(t), testLogger())
	defer s.Close()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := s.ExecuteCommand(context.Background(), "-hang", 30*time.Second)
		errCh <- err
	}()

	// Give the command time to reach the fake debugger.
	time.Sleep(100 * time.Millisecond)
	if err := s.HardReset(); err != nil {
		t.Fatalf("HardReset failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.IsCode(err, errors.CodeChannelClosed) {
			t.Errorf("expected CHANNEL_CLOSED, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call hung across reset")
	}
}

// TestSession_DebuggerDeathTerminates verifies the channel-down path moves
// the session to Terminated.
func TestSession_DebuggerDeathTerminates(t *testing.T) {
	s := NewSession(fakeGdbConfig(t), testLogger())
	defer s.Close()
	ctx := context.Background()

	if err := s.Load(ctx, "/bin/true", nil); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// -gdb-exit makes the fake debugger exit, closing its stdout.
	_, _, _ = s.ExecuteCommand(ctx, "-gdb-exit", time.Second)

	waitForState(t, s, types.StateTerminated)

	// Operations on a terminated session are rejected until a reset.
	if _, _, err := s.ExecuteCommand(ctx, "info registers", time.Second); err == nil {
		t.Error("expected error on terminated session")
	}
}

// TestSession_HandleRecordTransitions exercises the state machine directly
// with parsed records, covering transitions the fake debugger cannot time
// precisely.
func TestSession_HandleRecordTransitions(t *testing.T) {
	s := NewSession(fakeGdbConfig(t), testLogger())

	feed := func(line string) {
		rec, err := ParseLine(line)
		if err != nil {
			t.Fatalf("bad test record %q: %v", line, err)
		}
		s.handleRecord(s.gen, rec)
	}
	primeLoaded := func() {
		s.mu.Lock()
		s.resetLocked()
		s.applyLocked(types.StateLoaded, "", nil)
		s.mu.Unlock()
	}

	primeLoaded()
	feed(`*running,thread-id="all"`)
	if got := s.Status().State; got != types.StateRunning {
		t.Fatalf("after *running: %s", got)
	}

	// Interrupt surfaces as a signal stop with no reason field.
	feed(`*stopped,signal-name="SIGINT",signal-meaning="Interrupt"`)
	info := s.Status()
	if info.State != types.StateStopped || info.StopReason != "SIGINT" {
		t.Fatalf("after SIGINT stop: state=%s reason=%q", info.State, info.StopReason)
	}

	// Records from a previous epoch are ignored even when the move itself
	// would be legal.
	stale, _ := ParseLine(`*running,thread-id="all"`)
	s.handleRecord(s.gen-1, stale)
	if got := s.Status().State; got != types.StateStopped {
		t.Errorf("stale record applied: %s", got)
	}

	// Exit codes arrive in octal.
	feed(`*running,thread-id="all"`)
	feed(`*stopped,reason="exited",exit-code="017"`)
	info = s.Status()
	if info.State != types.StateExited {
		t.Fatalf("after exited: %s", info.State)
	}
	if info.ExitCode == nil || *info.ExitCode != 15 {
		t.Errorf("octal exit code mishandled: %v", info.ExitCode)
	}

	// A fatal signal is an exit with a sentinel code.
	primeLoaded()
	feed(`*running,thread-id="all"`)
	feed(`*stopped,reason="exited-signalled",signal-name="SIGSEGV"`)
	info = s.Status()
	if info.State != types.StateExited || info.ExitCode == nil || *info.ExitCode != -1 {
		t.Errorf("after exited-signalled: state=%s code=%v", info.State, info.ExitCode)
	}
	if info.StopReason != "SIGSEGV" {
		t.Errorf("signal name lost: %q", info.StopReason)
	}
}

// TestSession_UndefinedTransitionsIgnored verifies the edge table: records the
// lifecycle does not define for the current state are dropped, and Terminated
// is never left except through a reset.
func TestSession_UndefinedTransitionsIgnored(t *testing.T) {
	s := NewSession(fakeGdbConfig(t), testLogger())

	feed := func(line string) {
		rec, err := ParseLine(line)
		if err != nil {
			t.Fatalf("bad test record %q: %v", line, err)
		}
		s.handleRecord(s.gen, rec)
	}

	// Nothing is loaded, so a stray stop or run record means nothing.
	feed(`*stopped,reason="breakpoint-hit",bkptno="1"`)
	if got := s.Status().State; got != types.StateUnloaded {
		t.Fatalf("stray *stopped applied while unloaded: %s", got)
	}
	feed(`*running,thread-id="all"`)
	if got := s.Status().State; got != types.StateUnloaded {
		t.Fatalf("stray *running applied while unloaded: %s", got)
	}

	// Terminated is terminal: neither async records nor a late Loaded apply
	// may leave it.
	s.mu.Lock()
	s.applyLocked(types.StateTerminated, "control channel closed", nil)
	s.mu.Unlock()
	feed(`*running,thread-id="all"`)
	feed(`*stopped,reason="breakpoint-hit",bkptno="1"`)
	s.mu.Lock()
	s.applyLocked(types.StateLoaded, "", nil)
	s.mu.Unlock()
	info := s.Status()
	if info.State != types.StateTerminated || info.StopReason != "control channel closed" {
		t.Fatalf("terminated was left: state=%s reason=%q", info.State, info.StopReason)
	}

	// A reset is the one way out.
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	if got := s.Status().State; got != types.StateUnloaded {
		t.Fatalf("reset did not leave terminated: %s", got)
	}
}

// ackThenExitGdbScript acknowledges the load and immediately exits, putting
// the channel-down signal in a race with the command reply.
const ackThenExitGdbScript = `#!/bin/sh
echo '(gdb)'
while IFS= read -r line; do
  tok="${line%%[!0-9]*}"
  case "${line#"$tok"}" in
    "-file-exec-and-symbols "*) echo "${tok}^done"; exit 0 ;;
    *) echo "${tok}^done"; echo '(gdb)' ;;
  esac
done
`

// TestSession_DeathDuringLoad covers the debugger dying right after it
// acknowledged the load. Whichever of the reply and the channel-down signal
// is observed first, the session must settle in Terminated; a late Loaded
// apply must never overwrite it.
func TestSession_DeathDuringLoad(t *testing.T) {
	cfg := fakeGdbConfigScript(t, ackThenExitGdbScript)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		s := NewSession(cfg, testLogger())
		err := s.Load(ctx, "/bin/true", nil)
		if err != nil && !errors.IsCode(err, errors.CodeChannelClosed) {
			s.Close()
			t.Fatalf("iteration %d: unexpected Load error: %v", i, err)
		}

		waitForState(t, s, types.StateTerminated)
		// Terminated must hold once reached.
		time.Sleep(20 * time.Millisecond)
		if got := s.Status().State; got != types.StateTerminated {
			t.Fatalf("iteration %d: state regressed to %s", i, got)
		}
		s.Close()
	}
}

// interruptGdbScript runs a real foreground process on the inferior tty so
// the interrupt byte travels the whole terminal path: VINTR in, SIGINT out,
// then the stop record once the target has died.
const interruptGdbScript = `#!/bin/sh
tty=""
for a in "$@"; do
  case "$a" in
    "set inferior-tty "*) tty="${a#set inferior-tty }" ;;
  esac
done
echo '(gdb)'
while IFS= read -r line; do
  tok="${line%%[!0-9]*}"
  case "${line#"$tok"}" in
    "-file-exec-and-symbols "*) echo "${tok}^done" ;;
    "-exec-run")
      echo "${tok}^running"
      echo '*running,thread-id="all"'
      setsid sh -c "exec 0<\"$tty\"; trap 'exit 0' INT; while :; do sleep 1; done"
      echo '*stopped,signal-name="SIGINT",signal-meaning="Interrupt"'
      ;;
    "-gdb-exit") echo "${tok}^exit"; exit 0 ;;
    *) echo "${tok}^done" ;;
  esac
  echo '(gdb)'
done
`

// TestSession_InterruptStopsRunningTarget drives an interrupt end to end: a
// running target owning the inferior tty receives SIGINT from the interrupt
// character and the session lands in Stopped via the async record.
func TestSession_InterruptStopsRunningTarget(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	s := NewSession(fakeGdbConfigScript(t, interruptGdbScript), testLogger())
	defer s.Close()
	ctx := context.Background()

	if err := s.Load(ctx, "/bin/true", nil); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := s.Control(ctx, types.ActionRun); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	waitForState(t, s, types.StateRunning)

	if err := s.Control(ctx, types.ActionStop); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	// The interrupt character only becomes SIGINT once the target owns the
	// terminal, so keep delivering it until the stop lands.
	deadline := time.Now().Add(5 * time.Second)
	for {
		info := s.Status()
		if info.State == types.StateStopped {
			if info.StopReason != "SIGINT" {
				t.Errorf("stop reason: %q", info.StopReason)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("target never stopped, state %s", info.State)
		}
		if err := s.Interrupt(); err != nil {
			t.Fatalf("Interrupt failed: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// TestKillProcessGroup verifies group teardown and that an already-dead
// group is not an error.
func TestKillProcessGroup(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	setProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting sleep: %v", err)
	}

	if err := killProcessGroup(cmd.Process.Pid, cmd); err != nil {
		t.Fatalf("killProcessGroup failed: %v", err)
	}
	_ = cmd.Wait()

	// The group is gone now; a second kill must be a no-op.
	if err := killProcessGroup(cmd.Process.Pid, cmd); err != nil {
		t.Errorf("killing a dead group: %v", err)
	}
}

// TestMiQuote verifies MI c-string argument quoting.
func TestMiQuote(t *testing.T) {
	cases := []struct{ in, want string }{
		{`/tmp/plain`, `"/tmp/plain"`},
		{`/tmp/with space`, `"/tmp/with space"`},
		{`/tmp/quo"te`, `"/tmp/quo\"te"`},
		{"/tmp/back\\slash", `"/tmp/back\\slash"`},
		{"line\nbreak", `"line\nbreak"`},
	}
	for _, tc := range cases {
		if got := miQuote(tc.in); got != tc.want {
			t.Errorf("miQuote(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

// TestParseExitCode verifies octal-first exit code parsing.
func TestParseExitCode(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"0", 0},
		{"01", 1},
		{"017", 15},
		{"0177", 127},
		{"garbage", -1},
	}
	for _, tc := range cases {
		if got := parseExitCode(tc.in); got != tc.want {
			t.Errorf("parseExitCode(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
