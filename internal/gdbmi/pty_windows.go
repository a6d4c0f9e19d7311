//go:build windows

package gdbmi

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Pseudoterminals are a Unix facility; the bridge cannot attach a debuggee
// terminal on Windows, so sessions fail to start there.
type PTY struct{}

func OpenPTY(bufCap int, log *logrus.Entry) (*PTY, error) {
	return nil, errors.New("pseudoterminals are not supported on windows")
}

func (p *PTY) Name() string                         { return "" }
func (p *PTY) Write(data []byte) (int, error)       { return 0, errors.New("no pty") }
func (p *PTY) Read(max int, wait time.Duration) []byte { return nil }
func (p *PTY) Interrupt() error                     { return errors.New("no pty") }
func (p *PTY) Hangup() <-chan struct{}              { return nil }
func (p *PTY) Pending() int                         { return 0 }
func (p *PTY) Close() error                         { return nil }
