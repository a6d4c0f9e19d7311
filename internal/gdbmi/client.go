package gdbmi

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pwnmcp/pwnmcp/internal/errors"
)

// subscriberBuffer bounds per-subscriber queues so one slow consumer cannot
// stall the read loop. The permanent session subscriber is invoked
// synchronously and is never subject to this limit.
const subscriberBuffer = 128

// Client drives the GDB/MI control channel: it serializes outgoing commands,
// correlates result records to their tokens, and fans async records out to
// subscribers in strict receipt order.
//
// Tokens are assigned under the same lock that orders writes, so write order
// always matches token order. Multiple commands may be outstanding at once;
// each caller blocks only on its own completion channel.
type Client struct {
	stdin io.Writer

	writeMu   sync.Mutex
	nextToken int

	pendingMu sync.Mutex
	pending   map[int]chan *Record

	subMu   sync.Mutex
	subs    map[int]chan *Record
	nextSub int
	notify  func(*Record) // permanent subscriber, called on the read loop

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup

	log *logrus.Entry
}

// NewClient wraps the debugger's stdin/stdout pipes and starts the read
// loop. notify, if non-nil, receives every async record synchronously before
// any dynamic subscriber; it must not block.
func NewClient(stdin io.Writer, stdout io.Reader, notify func(*Record), log *logrus.Entry) *Client {
	c := &Client{
		stdin:   stdin,
		pending: make(map[int]chan *Record),
		subs:    make(map[int]chan *Record),
		notify:  notify,
		done:    make(chan struct{}),
		log:     log,
	}
	c.wg.Add(1)
	go c.readLoop(stdout)
	return c
}

// Done is closed when the control channel dies (debugger exit, pipe error or
// explicit Close).
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error after Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// readLoop is the single reader of the control channel. Records are parsed
// and dispatched in receipt order: results to their pending slot, async and
// stream records to the notification path.
func (c *Client) readLoop(stdout io.Reader) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		rec, perr := ParseLine(scanner.Text())
		if perr != nil {
			// Malformed output degrades to a raw stream record; nothing
			// is dropped.
			c.log.WithError(perr).Debug("unparseable MI line kept as raw stream")
		}
		switch {
		case rec.Class == ClassPrompt:
			// Sequence terminator, carries no information.
		case rec.Class == ClassResult && rec.Token >= 0:
			c.deliverResult(rec)
		default:
			c.dispatch(rec)
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.shutdown(err)
}

func (c *Client) deliverResult(rec *Record) {
	c.pendingMu.Lock()
	ch, ok := c.pending[rec.Token]
	if ok {
		delete(c.pending, rec.Token)
	}
	c.pendingMu.Unlock()

	if !ok {
		// The caller timed out and discarded its registration. The reply
		// must never reach a later caller reusing the slot space.
		c.log.WithFields(logrus.Fields{
			"token":   rec.Token,
			"message": rec.Message,
		}).Warn("dropping late reply for discarded token")
		return
	}
	ch <- rec
}

func (c *Client) dispatch(rec *Record) {
	if c.notify != nil {
		c.notify(rec)
	}

	c.subMu.Lock()
	for id, ch := range c.subs {
		select {
		case ch <- rec:
		default:
			c.log.WithField("subscriber", id).Warn("notification subscriber too slow, record skipped")
		}
	}
	c.subMu.Unlock()
}

// Subscribe attaches a consumer to the async notification stream. The
// returned channel sees only records received after the call, in receipt
// order. cancel detaches the consumer; it is safe to call more than once.
func (c *Client) Subscribe() (<-chan *Record, func()) {
	ch := make(chan *Record, subscriberBuffer)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
	return ch, cancel
}

// Call writes a token-prefixed command and blocks until the correlated
// result record arrives, the timeout elapses, or the channel dies. On
// timeout the pending registration is discarded so a late reply cannot leak
// into a future call.
func (c *Client) Call(ctx context.Context, command string, timeout time.Duration) (*Record, error) {
	select {
	case <-c.done:
		return nil, errors.ChannelClosed(c.closeReason())
	default:
	}

	ch := make(chan *Record, 1)

	c.writeMu.Lock()
	c.nextToken++
	token := c.nextToken

	c.pendingMu.Lock()
	c.pending[token] = ch
	c.pendingMu.Unlock()

	_, err := io.WriteString(c.stdin, strconv.Itoa(token)+command+"\n")
	c.writeMu.Unlock()

	if err != nil {
		c.discard(token)
		return nil, errors.ChannelClosed(err.Error())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rec := <-ch:
		return rec, nil
	case <-timer.C:
		c.discard(token)
		return nil, errors.CommandTimeout(command, timeout)
	case <-ctx.Done():
		c.discard(token)
		return nil, ctx.Err()
	case <-c.done:
		return nil, errors.ChannelClosed(c.closeReason())
	}
}

// Send writes a command without a token; no reply will be correlated. Used
// for fire-and-forget commands such as -gdb-exit during teardown.
func (c *Client) Send(command string) error {
	select {
	case <-c.done:
		return errors.ChannelClosed(c.closeReason())
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := io.WriteString(c.stdin, command+"\n"); err != nil {
		return errors.ChannelClosed(err.Error())
	}
	return nil
}

func (c *Client) discard(token int) {
	c.pendingMu.Lock()
	delete(c.pending, token)
	c.pendingMu.Unlock()
}

func (c *Client) closeReason() string {
	if c.closeErr != nil && c.closeErr != io.EOF {
		return c.closeErr.Error()
	}
	return "debugger process exited"
}

// shutdown marks the channel dead. All pending calls wake with ChannelClosed
// through the done channel rather than hanging.
func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.done)

		c.pendingMu.Lock()
		n := len(c.pending)
		c.pending = make(map[int]chan *Record)
		c.pendingMu.Unlock()
		if n > 0 {
			c.log.WithField("pending", n).Info("control channel closed, failing pending calls")
		}
	})
}

// Close tears the client down. The underlying pipes belong to the debugger
// process and are closed by its owner.
func (c *Client) Close() {
	c.shutdown(io.EOF)
}

// Wait blocks until the read loop has exited.
func (c *Client) Wait() {
	c.wg.Wait()
}
