// Package relay implements the optional symbol relay: a side-channel that
// pushes the loaded executable's section table to an external decompiler
// service. The relay is a capability the session either has or lacks; every
// failure here degrades to a warning and never disturbs the debug session.
package relay

import (
	"bufio"
	"debug/elf"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/pwnmcp/pwnmcp/internal/config"
	"github.com/pwnmcp/pwnmcp/internal/errors"
	"github.com/pwnmcp/pwnmcp/pkg/types"
)

const (
	dialTimeout  = 3 * time.Second
	replyTimeout = 5 * time.Second
)

// Relay maintains a connection to the decompiler-side listener and pushes
// symbol snapshots over it as newline-delimited JSON.
type Relay struct {
	cfg config.RelayConfig

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader // wraps conn; lives as long as the connection
	last *types.SymbolSnapshot

	log *logrus.Entry
}

// New creates a relay for the given peer settings. No connection is made
// until the first push or an explicit Connect.
func New(cfg config.RelayConfig, logger *logrus.Logger) *Relay {
	return &Relay{
		cfg: cfg,
		log: logger.WithField("component", "relay"),
	}
}

// Reconfigure replaces the peer settings and drops any open connection.
func (r *Relay) Reconfigure(cfg config.RelayConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.closeLocked()
}

// Connect dials the relay peer. Safe to call repeatedly; an existing
// connection is reused.
func (r *Relay) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectLocked()
}

func (r *Relay) connectLocked() error {
	if r.conn != nil {
		return nil
	}
	addr := r.cfg.Addr()
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return errors.RelayUnavailable(addr, err)
	}
	r.conn = conn
	r.rd = bufio.NewReader(conn)
	r.log.WithField("peer", addr).Info("symbol relay connected")
	return nil
}

// Ready reports whether a relay connection is currently open.
func (r *Relay) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Snapshot returns the most recently pushed snapshot, if any.
func (r *Relay) Snapshot() *types.SymbolSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// PushExecutable derives a snapshot from the executable's section table and
// sends it to the peer. The snapshot replaces the previous one wholesale.
func (r *Relay) PushExecutable(path string) error {
	snap, err := SnapshotFromELF(path)
	if err != nil {
		return errors.Wrap(errors.CodeRelayUnavailable,
			fmt.Sprintf("cannot read section table of %s", path),
			"The relay only handles ELF executables.", err)
	}
	return r.Push(snap)
}

// Push sends a snapshot and waits for the peer's acknowledgement. On any
// error the connection is dropped so the next push redials.
func (r *Relay) Push(snap *types.SymbolSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connectLocked(); err != nil {
		return err
	}

	msg := map[string]interface{}{
		"type":       "symbol-snapshot",
		"name":       r.cfg.Name,
		"executable": snap.Executable,
		"sections":   snap.Sections,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	addr := r.cfg.Addr()
	_ = r.conn.SetDeadline(time.Now().Add(replyTimeout))
	if _, err := r.conn.Write(append(payload, '\n')); err != nil {
		r.closeLocked()
		return errors.RelayUnavailable(addr, err)
	}

	// One reader per connection: a throwaway reader here could buffer and
	// then lose bytes the peer sent past the ack newline.
	reply, err := r.rd.ReadString('\n')
	if err != nil {
		r.closeLocked()
		return errors.RelayUnavailable(addr, err)
	}
	if status := gjson.Get(reply, "status").String(); status != "ok" {
		r.closeLocked()
		return errors.RelayUnavailable(addr, fmt.Errorf("peer rejected snapshot: %s", gjson.Get(reply, "error").String()))
	}

	_ = r.conn.SetDeadline(time.Time{})
	r.last = snap
	r.log.WithFields(logrus.Fields{
		"executable": snap.Executable,
		"sections":   len(snap.Sections),
	}).Info("symbol snapshot pushed")
	return nil
}

// Close drops the peer connection.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

func (r *Relay) closeLocked() {
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
		r.rd = nil
	}
}

// SnapshotFromELF builds a symbol snapshot from the allocatable sections of
// an ELF executable.
func SnapshotFromELF(path string) (*types.SymbolSnapshot, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	snap := &types.SymbolSnapshot{Executable: path}
	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Name == "" {
			continue
		}
		snap.Sections = append(snap.Sections, types.SymbolSection{
			Name: sec.Name,
			Addr: sec.Addr,
			Size: sec.Size,
		})
	}
	return snap, nil
}
