// Package types defines shared data types used across the pwnmcp server.
//
// This package provides type definitions for:
//   - LifecycleState: debuggee lifecycle states tracked by the session
//   - ControlAction: execution control verbs accepted by the debug_control tool
//   - StatusInfo: best-effort session status snapshot
//   - SymbolSnapshot: section metadata pushed to the symbol relay
//
// These types are used throughout the codebase to maintain type safety
// and provide clear contracts between components.
package types

// LifecycleState represents the debuggee lifecycle as tracked by the session
// state machine. All transitions are applied by the session; no other
// component mutates the state directly.
type LifecycleState string

const (
	StateUnloaded   LifecycleState = "unloaded"
	StateLoaded     LifecycleState = "loaded"
	StateRunning    LifecycleState = "running"
	StateStopped    LifecycleState = "stopped"
	StateExited     LifecycleState = "exited"
	StateTerminated LifecycleState = "terminated"
)

// ControlAction is an execution control verb for the debug_control tool.
type ControlAction string

const (
	ActionRun      ControlAction = "run"
	ActionContinue ControlAction = "continue"
	ActionStep     ControlAction = "step"
	ActionStepI    ControlAction = "stepi"
	ActionNext     ControlAction = "next"
	ActionFinish   ControlAction = "finish"
	ActionStop     ControlAction = "stop"
)

// StatusInfo is a best-effort snapshot of the session. It reflects the last
// transition applied by the state machine plus the last-seen stop reason; by
// the time a caller reads it the debuggee may already have moved on.
type StatusInfo struct {
	SessionID  string         `json:"sessionId"`
	State      LifecycleState `json:"state"`
	Executable string         `json:"executable,omitempty"`
	StopReason string         `json:"stopReason,omitempty"`
	ExitCode   *int           `json:"exitCode,omitempty"`
	RelayReady bool           `json:"relayReady"`
}

// SymbolSection describes one loadable section of the debugged executable.
type SymbolSection struct {
	Name string `json:"name"`
	Addr uint64 `json:"addr"`
	Size uint64 `json:"size"`
}

// SymbolSnapshot is the section table of the currently loaded executable.
// It is replaced wholesale whenever a new executable is loaded, never
// patched in place.
type SymbolSnapshot struct {
	Executable string          `json:"executable"`
	Sections   []SymbolSection `json:"sections"`
}
