package znp_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"znp-host/internal/async"
	"znp-host/internal/znp"
	"znp-host/internal/znp/znptest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestProcessor(t *testing.T, dev *znptest.Coprocessor, opts ...znp.TransportOption) *znp.Processor {
	t.Helper()
	logger := testLogger()
	exec := async.NewExecutor(4, logger)
	t.Cleanup(exec.Stop)

	uri, err := znp.ParseConnectionURI("tcp://127.0.0.1:6638")
	if err != nil {
		t.Fatal(err)
	}
	all := append([]znp.TransportOption{
		znp.WithOpener(dev.Opener()),
		znp.WithRequestTimeout(300 * time.Millisecond),
	}, opts...)
	p := znp.NewProcessor(znp.NewTransport(uri, exec, logger, all...), logger)
	if err := p.Connect(testContext(t)); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPing(t *testing.T) {
	dev := znptest.New()
	dev.SetCapabilities(znp.CapSYS | znp.CapUTIL)
	p := newTestProcessor(t, dev)

	caps, err := p.Ping(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	if caps != znp.CapSYS|znp.CapUTIL {
		t.Errorf("caps = 0x%04X", uint16(caps))
	}
	if p.Capabilities() != caps {
		t.Error("capabilities not cached")
	}
}

func TestRequestTimeout(t *testing.T) {
	dev := znptest.New()
	dev.Silence(znp.SubsystemSYS, 0x01)
	p := newTestProcessor(t, dev, znp.WithRequestTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := p.Ping(testContext(t))
	if !errors.Is(err, znp.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestConcurrentAREQCorrelation(t *testing.T) {
	dev := znptest.New()
	p := newTestProcessor(t, dev)
	tr := p.Transport()

	cmdA := znp.Command{Type: znp.TypeAREQ, Subsystem: znp.SubsystemZDO, ID: 0x02, ResponseID: 0x82}
	cmdB := znp.Command{Type: znp.TypeAREQ, Subsystem: znp.SubsystemZDO, ID: 0x05, ResponseID: 0x85}
	taskA := tr.Request(cmdA)
	taskB := tr.Request(cmdB)

	// Replies arrive in the opposite order, with an unrelated frame between.
	frames := []znp.Frame{
		{Type: znp.TypeAREQ, Subsystem: znp.SubsystemZDO, ID: 0x85, Payload: []byte{0xBB}},
		{Type: znp.TypeAREQ, Subsystem: znp.SubsystemZDO, ID: 0xC1, Payload: []byte{0x00}},
		{Type: znp.TypeAREQ, Subsystem: znp.SubsystemZDO, ID: 0x82, Payload: []byte{0xAA}},
	}
	for _, f := range frames {
		if err := dev.Send(f); err != nil {
			t.Fatal(err)
		}
	}

	ctx := testContext(t)
	gotA, err := taskA.Await(ctx)
	if err != nil {
		t.Fatal(err)
	}
	gotB, err := taskB.Await(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if gotA.ID != 0x82 || gotA.Payload[0] != 0xAA {
		t.Errorf("A resolved with %s % X", gotA, gotA.Payload)
	}
	if gotB.ID != 0x85 || gotB.Payload[0] != 0xBB {
		t.Errorf("B resolved with %s % X", gotB, gotB.Payload)
	}
}

func TestRequestMatchesQueuedFrame(t *testing.T) {
	dev := znptest.New()
	dev.Silence(znp.SubsystemSYS, 0x01)
	p := newTestProcessor(t, dev)

	err := dev.Send(znp.Frame{Type: znp.TypeSRSP, Subsystem: znp.SubsystemSYS, ID: 0x01, Payload: []byte{0x41, 0x00}})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "queued frame", func() bool { return p.Transport().Pending() == 1 })

	caps, err := p.Ping(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	if caps != znp.CapSYS|znp.CapUTIL {
		t.Errorf("caps = 0x%04X, want queued 0x0041", uint16(caps))
	}
	if n := p.Transport().Pending(); n != 0 {
		t.Errorf("pending = %d after match", n)
	}
}

func TestResetClearsStaleFrames(t *testing.T) {
	dev := znptest.New()
	p := newTestProcessor(t, dev)

	stale := znp.Frame{Type: znp.TypeAREQ, Subsystem: znp.SubsystemSYS, ID: 0x80, Payload: []byte{0x05, 2, 1, 2, 7, 0}}
	if err := dev.Send(stale); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "stale reset indication", func() bool { return p.Transport().Pending() == 1 })

	info, err := p.Reset(testContext(t), true)
	if err != nil {
		t.Fatal(err)
	}
	if info.Reason != 0x00 {
		t.Errorf("reset reason = 0x%02X; stale indication was consumed", info.Reason)
	}
	if reqs := dev.RequestsFor(znp.SubsystemSYS, 0x00); len(reqs) != 1 || reqs[0].Payload[0] != 1 {
		t.Errorf("reset requests = %v", reqs)
	}
}

func TestConnectionLossRejectsWaiters(t *testing.T) {
	dev := znptest.New()
	dev.Silence(znp.SubsystemSYS, 0x01)

	var faults atomic.Int32
	p := newTestProcessor(t, dev,
		znp.WithRequestTimeout(5*time.Second),
		znp.WithFaultHandler(func(error) { faults.Add(1) }),
	)

	task := p.Transport().Request(znp.Command{Type: znp.TypeSREQ, Subsystem: znp.SubsystemSYS, ID: 0x01})
	dev.Disconnect()

	_, err := task.Await(testContext(t))
	if !errors.Is(err, znp.ErrTransport) {
		t.Fatalf("err = %v, want transport error", err)
	}
	waitFor(t, "fault handler", func() bool { return faults.Load() == 1 })

	if _, err := p.Ping(testContext(t)); !errors.Is(err, znp.ErrTransport) {
		t.Errorf("request after fault: err = %v, want transport error", err)
	}
}

// dyingConn loses its read side during the first write and only lets the
// write return once the transport has recorded the fault.
type dyingConn struct {
	once    sync.Once
	readErr chan struct{}
	faulted chan struct{}
}

func (c *dyingConn) Read([]byte) (int, error) {
	<-c.readErr
	return 0, io.ErrUnexpectedEOF
}

func (c *dyingConn) Write(p []byte) (int, error) {
	c.once.Do(func() { close(c.readErr) })
	<-c.faulted
	return len(p), nil
}

func (c *dyingConn) Close() error {
	c.once.Do(func() { close(c.readErr) })
	return nil
}

func TestFaultDuringWriteRejectsRequest(t *testing.T) {
	conn := &dyingConn{readErr: make(chan struct{}), faulted: make(chan struct{})}
	opener := func(context.Context, znp.ConnectionURI, znp.SerialOptions) (io.ReadWriteCloser, error) {
		return conn, nil
	}
	p := newTestProcessor(t, znptest.New(),
		znp.WithOpener(opener),
		znp.WithRequestTimeout(5*time.Second),
		znp.WithFaultHandler(func(error) { close(conn.faulted) }),
	)

	task := p.Transport().Request(znp.Command{Type: znp.TypeSREQ, Subsystem: znp.SubsystemSYS, ID: 0x01})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := task.Await(ctx); !errors.Is(err, znp.ErrTransport) {
		t.Errorf("err = %v, want transport error before the request timeout", err)
	}
}

func TestCallWithdrawsOnCancel(t *testing.T) {
	dev := znptest.New()
	dev.Silence(znp.SubsystemSYS, 0x01)
	p := newTestProcessor(t, dev, znp.WithRequestTimeout(5*time.Second))
	tr := p.Transport()
	ping := znp.Command{Type: znp.TypeSREQ, Subsystem: znp.SubsystemSYS, ID: 0x01}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := tr.Call(ctx, ping); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// The late answer must not be swallowed by the abandoned request.
	late := znp.Frame{Type: znp.TypeSRSP, Subsystem: znp.SubsystemSYS, ID: 0x01, Payload: []byte{0x41, 0x00}}
	if err := dev.Send(late); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "late response queued", func() bool { return tr.Pending() == 1 })

	f, err := tr.Call(testContext(t), ping)
	if err != nil {
		t.Fatal(err)
	}
	if f.Payload[0] != 0x41 {
		t.Errorf("retry got % X", f.Payload)
	}
}

func TestCloseRejectsPending(t *testing.T) {
	dev := znptest.New()
	dev.Silence(znp.SubsystemSYS, 0x02)
	p := newTestProcessor(t, dev, znp.WithRequestTimeout(5*time.Second))

	task := p.Transport().Request(znp.Command{Type: znp.TypeSREQ, Subsystem: znp.SubsystemSYS, ID: 0x02})
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := task.Await(testContext(t)); !errors.Is(err, znp.ErrTransport) {
		t.Errorf("err = %v, want transport error", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestReadLoopRecoversFromGarbage(t *testing.T) {
	good, _ := znp.Encode(znp.Frame{Type: znp.TypeSRSP, Subsystem: znp.SubsystemSYS, ID: 0x01, Payload: []byte{0x01, 0x00}})
	corrupt := append([]byte(nil), good...)
	corrupt[4] ^= 0xFF

	tests := []struct {
		name  string
		noise []byte
	}{
		{"junk and bad checksum", append([]byte{0x13, 0x37}, corrupt...)},
		{"stray SOF", []byte{0xFE}},
		{"truncated header", []byte{0xFE, 0x03, 0x21, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := znptest.New()
			dev.Silence(znp.SubsystemSYS, 0x01)
			p := newTestProcessor(t, dev)

			task := p.Transport().Request(znp.Command{Type: znp.TypeSREQ, Subsystem: znp.SubsystemSYS, ID: 0x01})
			stream := append(append([]byte(nil), tt.noise...), good...)
			if err := dev.SendRaw(stream); err != nil {
				t.Fatal(err)
			}

			f, err := task.Await(testContext(t))
			if err != nil {
				t.Fatal(err)
			}
			if f.Payload[0] != 0x01 {
				t.Errorf("payload = % X", f.Payload)
			}
		})
	}
}

func TestQueueLimitDropsOldest(t *testing.T) {
	dev := znptest.New()
	p := newTestProcessor(t, dev, znp.WithQueueLimit(2))

	for i := byte(0); i < 3; i++ {
		if err := dev.Send(znp.Frame{Type: znp.TypeAREQ, Subsystem: znp.SubsystemZDO, ID: 0xC0 + i}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "queue at limit", func() bool { return p.Transport().Pending() == 2 })

	// The oldest frame (0xC0) was dropped, 0xC2 is still claimable.
	task := p.Transport().Request(znp.Command{Type: znp.TypeAREQ, Subsystem: znp.SubsystemZDO, ID: 0x40, ResponseID: 0xC2})
	f, err := task.Await(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	if f.ID != 0xC2 {
		t.Errorf("matched 0x%02X, want 0xC2", f.ID)
	}
}

func TestConnectInvalidScheme(t *testing.T) {
	_, err := znp.Dial(context.Background(), znp.ConnectionURI{Scheme: "ftp"}, znp.DefaultSerialOptions())
	if !errors.Is(err, znp.ErrInvalidArgument) {
		t.Errorf("err = %v, want invalid argument", err)
	}
}
