//go:build !windows

package gdbmi

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// PTY owns the pseudoterminal attached to the debuggee's standard streams.
// The debugger is told to use the slave side as the inferior's terminal; the
// bridge holds the master side to inject input, drain output, and deliver
// the terminal interrupt character.
//
// Interrupting goes through the terminal, never through a signal addressed
// at a pid: the debuggee's actual pid may be unknown to the bridge (child of
// the debugger, behind a loader, or inside a runtime), but the line
// discipline always routes VINTR to the foreground process group.
type PTY struct {
	master *os.File
	slave  *os.File
	name   string

	buf *ioBuffer

	hangup     chan struct{}
	hangupOnce sync.Once
	closeOnce  sync.Once
	wg         sync.WaitGroup

	log *logrus.Entry
}

// OpenPTY allocates a pseudoterminal pair and starts draining the master
// side into a bounded buffer. bufCap bounds the accumulated output.
func OpenPTY(bufCap int, log *logrus.Entry) (*PTY, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}

	p := &PTY{
		master: master,
		slave:  slave,
		name:   slave.Name(),
		buf:    newIOBuffer(bufCap),
		hangup: make(chan struct{}),
		log:    log,
	}

	// Echo would feed every injected byte straight back into the output
	// buffer, so reads could not distinguish debuggee output from our own
	// writes. Interrupt generation (ISIG) stays on.
	if err := p.disableEcho(); err != nil {
		p.log.WithError(err).Warn("could not disable terminal echo")
	}

	p.wg.Add(1)
	go p.readLoop()

	log.WithField("tty", p.name).Debug("pseudoterminal allocated")
	return p, nil
}

// Name returns the slave device path, suitable for gdb's
// `set inferior-tty`.
func (p *PTY) Name() string {
	return p.name
}

// readLoop is the single reader of the master side. Output is appended to
// the buffer in arrival order. A read error means the terminal hung up;
// that is surfaced as a lifecycle event, distinct from ordinary data.
func (p *PTY) readLoop() {
	defer p.wg.Done()

	chunk := make([]byte, 4096)
	for {
		n, err := p.master.Read(chunk)
		if n > 0 {
			p.buf.append(chunk[:n])
		}
		if err != nil {
			p.hangupOnce.Do(func() { close(p.hangup) })
			return
		}
	}
}

// Write injects raw bytes into the debuggee's input as if typed.
func (p *PTY) Write(data []byte) (int, error) {
	select {
	case <-p.hangup:
		return 0, errors.New("pty hung up")
	default:
	}
	return p.master.Write(data)
}

// Read returns output accumulated since the previous read, up to max bytes.
// When no new output is buffered and wait is positive, it blocks up to wait
// for data to arrive; an empty result after the wait is not an error.
func (p *PTY) Read(max int, wait time.Duration) []byte {
	if out := p.buf.readDelta(max); out != nil {
		return out
	}
	if wait <= 0 {
		return nil
	}
	deadline := time.Now().Add(wait)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil
		}
		if !p.buf.wait(remain) {
			return nil
		}
		if out := p.buf.readDelta(max); out != nil {
			return out
		}
	}
}

// Interrupt writes the terminal's interrupt character to the master side.
// The line discipline turns it into SIGINT for the foreground process group.
func (p *PTY) Interrupt() error {
	_, err := p.Write([]byte{p.interruptChar()})
	return err
}

// interruptChar returns VINTR from the slave's termios, falling back to
// ETX (Ctrl-C) if the terminal cannot be queried.
func (p *PTY) interruptChar() byte {
	tio, err := unix.IoctlGetTermios(int(p.slave.Fd()), ioctlReadTermios)
	if err != nil || tio.Cc[unix.VINTR] == 0 {
		return 0x03
	}
	return tio.Cc[unix.VINTR]
}

func (p *PTY) disableEcho() error {
	fd := int(p.slave.Fd())
	tio, err := unix.IoctlGetTermios(fd, ioctlReadTermios)
	if err != nil {
		return err
	}
	tio.Lflag &^= unix.ECHO
	return unix.IoctlSetTermios(fd, ioctlWriteTermios, tio)
}

// Hangup is closed when the terminal sees EOF or an I/O error. The session
// treats this as a terminal lifecycle event.
func (p *PTY) Hangup() <-chan struct{} {
	return p.hangup
}

// Pending reports the number of unread buffered bytes.
func (p *PTY) Pending() int {
	return p.buf.pendingBytes()
}

// Close releases both sides of the terminal and stops the read loop.
func (p *PTY) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.slave.Close()
		if merr := p.master.Close(); err == nil {
			err = merr
		}
		p.wg.Wait()
	})
	return err
}
