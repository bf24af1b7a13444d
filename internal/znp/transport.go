package znp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.bug.st/serial"

	"znp-host/internal/async"
)

const (
	readBufferSize        = 256
	defaultRequestTimeout = 5 * time.Second
	defaultQueueLimit     = 128
)

var errClosed = errors.New("transport closed")

// Opener opens the byte stream behind a connection URI.
type Opener func(ctx context.Context, uri ConnectionURI, opts SerialOptions) (io.ReadWriteCloser, error)

// Dial opens a TCP socket or a serial port for uri.
func Dial(ctx context.Context, uri ConnectionURI, opts SerialOptions) (io.ReadWriteCloser, error) {
	switch uri.Scheme {
	case SchemeTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", uri.Address())
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", uri, err)
		}
		return conn, nil
	case SchemeUSB:
		port, err := serial.Open(uri.Device, opts.mode())
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", uri.Device, err)
		}
		return port, nil
	default:
		return nil, newError(KindInvalidArgument, "dial", fmt.Sprintf("unsupported scheme %q", uri.Scheme), nil)
	}
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithSerialOptions sets the serial line parameters for usb:// connections.
func WithSerialOptions(opts SerialOptions) TransportOption {
	return func(t *Transport) { t.serial = opts }
}

// WithRequestTimeout bounds how long a request waits for its response.
func WithRequestTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithOpener replaces Dial.
func WithOpener(open Opener) TransportOption {
	return func(t *Transport) { t.open = open }
}

// WithFaultHandler is called once when the read loop dies.
func WithFaultHandler(fn func(error)) TransportOption {
	return func(t *Transport) { t.onFault = fn }
}

// WithQueueLimit caps the number of unmatched frames kept for later requests.
func WithQueueLimit(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.queueLimit = n
		}
	}
}

// waiter is a request blocked on its response.
type waiter struct {
	cmd      Command
	task     *async.Task[Frame]
	resolver *async.Resolver[Frame]
	timer    *time.Timer
	started  time.Time
}

// Transport owns one connection to the coprocessor, its read loop and the
// queue of received frames not yet claimed by a request.
type Transport struct {
	uri        ConnectionURI
	serial     SerialOptions
	exec       *async.Executor
	logger     *slog.Logger
	open       Opener
	timeout    time.Duration
	queueLimit int
	onFault    func(error)

	writeMu sync.Mutex

	// lifecycleMu protects conn, done, closed.
	lifecycleMu sync.Mutex
	conn        io.ReadWriteCloser
	done        chan struct{}
	closeOnce   sync.Once
	closed      bool
	wg          sync.WaitGroup

	// mu protects queue, waiters and fault.
	mu      sync.Mutex
	queue   []Frame
	waiters []*waiter
	fault   error

	// rx is the partial-frame buffer; only the read loop touches it.
	rx []byte
}

// NewTransport creates an unconnected transport for uri.
func NewTransport(uri ConnectionURI, exec *async.Executor, logger *slog.Logger, opts ...TransportOption) *Transport {
	t := &Transport{
		uri:        uri,
		serial:     DefaultSerialOptions(),
		exec:       exec,
		logger:     logger.With("component", "znp-transport", "uri", uri.String()),
		open:       Dial,
		timeout:    defaultRequestTimeout,
		queueLimit: defaultQueueLimit,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Connect opens the connection and starts the read loop.
func (t *Transport) Connect(ctx context.Context) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()
	if t.closed {
		return newError(KindTransport, "connect", "", errClosed)
	}
	if t.conn != nil {
		return nil
	}

	conn, err := t.open(ctx, t.uri, t.serial)
	if err != nil {
		return newError(KindTransport, "connect", t.uri.String(), err)
	}
	t.conn = conn
	t.logger.Info("connected")

	t.wg.Add(1)
	go t.readLoop(conn)
	return nil
}

// Request writes cmd and returns a task resolved with the matching response.
// Reset commands clear the queue first since the reboot invalidates it.
// Two outstanding requests with the same response identity must not overlap.
func (t *Transport) Request(cmd Command) *async.Task[Frame] {
	task, res := async.NewDeferred[Frame](t.exec)
	f := cmd.Frame()

	if cmd.IsReset() {
		t.clearQueue()
	}

	raw, err := Encode(f)
	if err != nil {
		res.Reject(err)
		return task
	}

	t.mu.Lock()
	fault := t.fault
	t.mu.Unlock()
	if fault != nil {
		res.Reject(newError(KindTransport, "request", f.String(), fault))
		return task
	}

	if err := t.write(raw); err != nil {
		recordRequest(cmd.Subsystem, "error", 0)
		res.Reject(newError(KindTransport, "write", f.String(), err))
		return task
	}
	recordFrame("tx", f)
	t.logger.Debug("znp TX", "frame", f.String(), "payload", fmt.Sprintf("%X", f.Payload))

	w := &waiter{cmd: cmd, task: task, resolver: res, started: time.Now()}

	t.mu.Lock()
	for i, q := range t.queue {
		if cmd.Matches(q) {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			t.mu.Unlock()
			t.deliver(w, q)
			return task
		}
	}
	// The read loop may have died since the write.
	if fault := t.fault; fault != nil {
		t.mu.Unlock()
		res.Reject(newError(KindTransport, "request", f.String(), fault))
		return task
	}
	t.waiters = append(t.waiters, w)
	w.timer = time.AfterFunc(t.timeout, func() { t.expire(w) })
	t.mu.Unlock()
	return task
}

// Call sends cmd and waits for its response. When ctx ends first the request
// is withdrawn, so a late response cannot be claimed on its behalf and is
// queued for the next request with the same identity.
func (t *Transport) Call(ctx context.Context, cmd Command) (Frame, error) {
	task := t.Request(cmd)
	f, err := task.Await(ctx)
	if err != nil && ctx.Err() != nil {
		t.withdraw(task, err)
	}
	return f, err
}

// withdraw drops the waiter behind task, if it is still registered.
func (t *Transport) withdraw(task *async.Task[Frame], cause error) {
	t.mu.Lock()
	var w *waiter
	for i, x := range t.waiters {
		if x.task == task {
			w = x
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	if w == nil {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	recordRequest(w.cmd.Subsystem, "cancelled", 0)
	w.resolver.Reject(cause)
}

func (t *Transport) write(raw []byte) error {
	t.lifecycleMu.Lock()
	conn := t.conn
	t.lifecycleMu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := conn.Write(raw)
	return err
}

func (t *Transport) deliver(w *waiter, f Frame) {
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.resolver.Resolve(f) {
		recordRequest(w.cmd.Subsystem, "ok", time.Since(w.started))
	}
}

func (t *Transport) expire(w *waiter) {
	if !t.removeWaiter(w) {
		return
	}
	recordRequest(w.cmd.Subsystem, "timeout", 0)
	t.logger.Warn("znp request timeout", "frame", w.cmd.Frame().String(), "after", t.timeout)
	w.resolver.Reject(newError(KindTimeout, "request", fmt.Sprintf("%s: no response after %s", w.cmd.Frame(), t.timeout), nil))
}

func (t *Transport) removeWaiter(w *waiter) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, x := range t.waiters {
		if x == w {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (t *Transport) clearQueue() {
	t.mu.Lock()
	n := len(t.queue)
	t.queue = nil
	t.mu.Unlock()
	if n > 0 {
		t.logger.Debug("cleared pending frames before reset", "count", n)
	}
}

// Pending returns the number of received frames nobody has claimed yet.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *Transport) readLoop(conn io.Reader) {
	defer t.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			t.feed(buf[:n])
		}
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.fail(newError(KindTransport, "read", t.uri.String(), err))
			return
		}
	}
}

// feed appends raw bytes and dispatches every complete frame.
func (t *Transport) feed(data []byte) {
	t.rx = append(t.rx, data...)
	for {
		f, err := TryParse(&t.rx)
		if err != nil {
			switch {
			case errors.Is(err, ErrChecksum):
				recordFramingError("checksum")
			case errors.Is(err, ErrBadLength):
				recordFramingError("length")
			default:
				recordFramingError("desync")
			}
			dropped := Resync(&t.rx)
			t.logger.Warn("znp framing error", "err", err, "dropped", dropped)
			continue
		}
		if f == nil {
			return
		}
		recordFrame("rx", *f)
		t.logger.Debug("znp RX", "frame", f.String(), "payload", fmt.Sprintf("%X", f.Payload))
		t.dispatch(*f)
	}
}

// dispatch wakes the oldest waiter matching f, or queues f.
func (t *Transport) dispatch(f Frame) {
	t.mu.Lock()
	for i, w := range t.waiters {
		if w.cmd.Matches(f) {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			t.mu.Unlock()
			t.deliver(w, f)
			return
		}
	}
	t.queue = append(t.queue, f)
	var dropped *Frame
	if len(t.queue) > t.queueLimit {
		d := t.queue[0]
		dropped = &d
		t.queue = t.queue[1:]
	}
	t.mu.Unlock()

	if dropped != nil {
		t.logger.Warn("znp pending queue full, dropped oldest frame", "frame", dropped.String())
	}
}

// fail records a fatal connection fault and rejects every waiter.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.fault != nil {
		t.mu.Unlock()
		return
	}
	t.fault = err
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	t.logger.Error("znp connection lost", "err", err)
	for _, w := range waiters {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.resolver.Reject(err)
	}
	if t.onFault != nil {
		t.onFault(err)
	}
}

// Close stops the read loop, closes the connection, waits for the loop to
// exit and then releases queued frames and waiters.
func (t *Transport) Close() error {
	t.lifecycleMu.Lock()
	if t.closed {
		t.lifecycleMu.Unlock()
		return nil
	}
	t.closed = true
	t.closeOnce.Do(func() { close(t.done) })
	var err error
	if t.conn != nil {
		err = t.conn.Close()
	}
	t.lifecycleMu.Unlock()

	t.wg.Wait()

	t.mu.Lock()
	t.queue = nil
	waiters := t.waiters
	t.waiters = nil
	if t.fault == nil {
		t.fault = errClosed
	}
	t.mu.Unlock()

	for _, w := range waiters {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.resolver.Reject(newError(KindTransport, "close", "", errClosed))
	}
	t.logger.Info("closed")
	return err
}
