package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"znp-host/internal/znp"
)

// scanMarker is the token a raw discovery line must contain.
const scanMarker = "ZIGBEE_DEVICE"

// ScanOptions configures a ScanProvider.
type ScanOptions struct {
	Serial znp.SerialOptions
	// Open overrides znp.Dial, for tests.
	Open znp.Opener
}

// ScanProvider reads a raw text stream over TCP or serial and announces a new
// device for every line that contains ZIGBEE_DEVICE.
type ScanProvider struct {
	*Registry
	conn   io.ReadWriteCloser
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewScanProvider connects to uri and starts reading.
func NewScanProvider(ctx context.Context, uri znp.ConnectionURI, opts ScanOptions, logger *slog.Logger) (*ScanProvider, error) {
	open := opts.Open
	if open == nil {
		open = znp.Dial
	}
	if opts.Serial == (znp.SerialOptions{}) {
		opts.Serial = znp.DefaultSerialOptions()
	}
	conn, err := open(ctx, uri, opts.Serial)
	if err != nil {
		return nil, fmt.Errorf("scan provider: %w", err)
	}

	p := &ScanProvider{
		Registry: NewRegistry(),
		conn:     conn,
		logger:   logger.With("component", "scan", "uri", uri.String()),
		closed:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.readLoop()
	p.logger.Info("scan provider started")
	return p, nil
}

func (p *ScanProvider) readLoop() {
	defer p.wg.Done()

	sc := bufio.NewScanner(p.conn)
	for sc.Scan() {
		p.handleLine(sc.Text())
	}

	select {
	case <-p.closed:
		return
	default:
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	p.logger.Warn("scan connection lost", "err", err)
	p.NotifyChanged(Device{Name: "Disconnected"})
}

func (p *ScanProvider) handleLine(line string) {
	if !strings.Contains(line, scanMarker) {
		return
	}
	id := fmt.Sprintf("zigbee_%d", p.Len()+1)
	p.logger.Debug("scan discovered device", "id", id)
	p.Upsert(Device{ID: id, Name: "Zigbee Device " + id, Online: true})
}

// Close stops reading and closes the connection.
func (p *ScanProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.conn.Close()
		p.wg.Wait()
	})
	return err
}
