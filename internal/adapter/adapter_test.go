package adapter

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"znp-host/internal/async"
	"znp-host/internal/store"
	"znp-host/internal/znp"
	"znp-host/internal/znp/znptest"
)

var testNetwork = NetworkOptions{
	PanID:                0x1A62,
	ExtendedPanID:        0xDDDDDDDDDDDDDDDD,
	Channels:             []uint8{11},
	NetworkKey:           [16]byte{1, 3, 5, 7, 9, 11, 13, 15, 0, 2, 4, 6, 8, 10, 12, 13},
	DistributeNetworkKey: false,
}

func newTestAdapter(t *testing.T, dev *znptest.Coprocessor, timeout time.Duration, opts ...Option) *Adapter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := async.NewExecutor(2, logger)
	t.Cleanup(exec.Stop)

	uri, err := znp.ParseConnectionURI("tcp://127.0.0.1:6638")
	if err != nil {
		t.Fatal(err)
	}
	tr := znp.NewTransport(uri, exec, logger,
		znp.WithOpener(dev.Opener()),
		znp.WithRequestTimeout(timeout),
	)
	proc := znp.NewProcessor(tr, logger)
	t.Cleanup(func() { proc.Close() })
	return New(proc, exec, testNetwork, logger, opts...)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states)
}

// commissioningLog renders the NIB delete, resets and NV writes the
// coprocessor received, in order.
func commissioningLog(reqs []znp.Frame) []string {
	var out []string
	for _, f := range reqs {
		if f.Subsystem != znp.SubsystemSYS {
			continue
		}
		var value byte
		switch f.ID {
		case 0x00:
			out = append(out, "reset")
			continue
		case 0x12:
			out = append(out, "delete "+znp.ItemID(binary.LittleEndian.Uint16(f.Payload)).String())
			continue
		case 0x07: // ITEM_INIT: id, total length, chunk length, data
			value = f.Payload[5]
		case 0x1D: // WRITE_EXT: id, offset, length, data
			value = f.Payload[6]
		default:
			continue
		}
		id := znp.ItemID(binary.LittleEndian.Uint16(f.Payload))
		entry := "write " + id.String()
		if id == znp.ItemStartupOption {
			if value != 0 {
				entry += " clear"
			} else {
				entry += " normal"
			}
		}
		out = append(out, entry)
	}
	return out
}

func TestStartHappyPath(t *testing.T) {
	dev := znptest.New()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	a := newTestAdapter(t, dev, time.Second, WithNetworkStore(st))
	var rec stateRecorder
	a.OnStateChange(rec.record)

	ok, err := a.Start(testContext(t)).Await(testContext(t))
	if err != nil {
		t.Fatalf("start: %v (%q)", err, znp.Chain(err))
	}
	if !ok {
		t.Fatal("start returned false")
	}
	if a.State() != StateCommissioned {
		t.Errorf("state = %v", a.State())
	}
	if a.MemoryAlignment() != znp.MemoryAligned {
		t.Errorf("alignment = %v", a.MemoryAlignment())
	}

	wantStates := []State{
		StateIdle, StateNibCleared, StateAdapterCleared, StateConfigItemsWritten,
		StateBdbChannelsSet, StateBdbCommissioningStarted, StateCommissioned,
	}
	if got := rec.get(); !slices.Equal(got, wantStates) {
		t.Errorf("states = %v, want %v", got, wantStates)
	}

	items := []struct {
		id   znp.ItemID
		want []byte
	}{
		{znp.ItemStartupOption, []byte{0x00}},
		{znp.ItemLogicalType, []byte{0x00}},
		{znp.ItemZDODirectCB, []byte{0x01}},
		{znp.ItemChanList, binary.LittleEndian.AppendUint32(nil, 1<<11)},
		{znp.ItemPanID, []byte{0x62, 0x1A}},
		{znp.ItemExtendedPanID, bytes.Repeat([]byte{0xDD}, 8)},
		{znp.ItemAPSUseExtPanID, bytes.Repeat([]byte{0xDD}, 8)},
		{znp.ItemPrecfgKeysEnable, []byte{0x00}},
		{znp.ItemPrecfgKeys, testNetwork.NetworkKey[:]},
	}
	for _, it := range items {
		got, ok := dev.Item(it.id)
		if !ok || !bytes.Equal(got, it.want) {
			t.Errorf("%s = % X, want % X", it.id, got, it.want)
		}
	}

	write := func(id znp.ItemID) string { return "write " + id.String() }
	wantLog := []string{
		"delete " + znp.ItemNIB.String(),
		write(znp.ItemStartupOption) + " clear",
		"reset",
		write(znp.ItemStartupOption) + " normal",
		write(znp.ItemStartupOption) + " normal",
		write(znp.ItemLogicalType),
		write(znp.ItemZDODirectCB),
		write(znp.ItemChanList),
		write(znp.ItemPanID),
		write(znp.ItemExtendedPanID),
		write(znp.ItemAPSUseExtPanID),
		write(znp.ItemPrecfgKeysEnable),
		write(znp.ItemPrecfgKeys),
	}
	if got := commissioningLog(dev.Requests()); !slices.Equal(got, wantLog) {
		t.Errorf("commissioning order:\n got %q\nwant %q", got, wantLog)
	}
	if n := len(dev.RequestsFor(znp.SubsystemAPPCNF, 0x08)); n != 2 {
		t.Errorf("bdb set channel requests = %d, want 2", n)
	}
	start := dev.RequestsFor(znp.SubsystemAPPCNF, 0x05)
	if len(start) != 1 || start[0].Payload[0] != byte(znp.CommissioningNetworkFormation) {
		t.Errorf("bdb start requests = %v", start)
	}

	saved, err := st.GetNetworkState()
	if err != nil {
		t.Fatal(err)
	}
	if !saved.Formed || saved.PanID != 0x1A62 || saved.ExtPanID != "DDDDDDDDDDDDDDDD" {
		t.Errorf("saved state = %+v", saved)
	}
}

func TestBeginCommissioningRejectsReservedPanID(t *testing.T) {
	dev := znptest.New()
	a := newTestAdapter(t, dev, time.Second)
	if err := a.Processor().Connect(testContext(t)); err != nil {
		t.Fatal(err)
	}

	opts := testNetwork
	opts.PanID = 0xFFFF
	err := a.BeginCommissioning(testContext(t), opts)
	if !errors.Is(err, znp.ErrInvalidPanID) {
		t.Fatalf("err = %v, want invalid pan id", err)
	}
	if n := len(dev.Requests()); n != 0 {
		t.Errorf("%d requests issued", n)
	}
	if a.State() != StateIdle {
		t.Errorf("state = %v", a.State())
	}
}

func TestCommissioningStepFailure(t *testing.T) {
	dev := znptest.New()
	dev.Silence(znp.SubsystemSYS, 0x00)
	a := newTestAdapter(t, dev, 100*time.Millisecond)

	_, err := a.Start(testContext(t)).Await(testContext(t))
	var serr *StartError
	if !errors.As(err, &serr) || serr.Stage != StageCommission {
		t.Fatalf("err = %v, want commission stage error", err)
	}
	if !errors.Is(err, znp.ErrCommissioning) || !errors.Is(err, znp.ErrTimeout) {
		t.Errorf("err = %v, want commissioning failure caused by timeout", err)
	}
	var zerr *znp.Error
	if errors.As(err, &zerr) && zerr.Op != "soft reset" {
		t.Errorf("failing step = %q, want soft reset", zerr.Op)
	}
	if a.State() != StateFailed {
		t.Errorf("state = %v", a.State())
	}
	if n := len(dev.RequestsFor(znp.SubsystemAPPCNF, 0x05)); n != 0 {
		t.Errorf("bdb start sent after failure")
	}
}

func TestBdbStartStatusFailure(t *testing.T) {
	dev := znptest.New()
	dev.SetStatus(znp.SubsystemAPPCNF, 0x05, 0x01)
	a := newTestAdapter(t, dev, time.Second)

	ok, err := a.Start(testContext(t)).Await(testContext(t))
	if ok || !errors.Is(err, znp.ErrCommissioning) {
		t.Fatalf("ok = %v err = %v", ok, err)
	}
	if !errors.Is(err, znp.ErrCommand) {
		t.Errorf("cause = %v, want command status error", err)
	}
	if a.State() != StateFailed {
		t.Errorf("state = %v", a.State())
	}
}

func TestLegacyFirmwareUnsupported(t *testing.T) {
	dev := znptest.New()
	dev.SetProduct(znp.ProductZStack12)
	a := newTestAdapter(t, dev, time.Second)

	_, err := a.Start(testContext(t)).Await(testContext(t))
	if !errors.Is(err, znp.ErrUnsupportedFirmware) {
		t.Fatalf("err = %v, want unsupported firmware", err)
	}
	if n := len(dev.RequestsFor(znp.SubsystemSAPI, 0x05)); n != 1 {
		t.Errorf("legacy key config writes = %d, want 1", n)
	}
	if n := len(dev.RequestsFor(znp.SubsystemAPPCNF, 0x08)); n != 0 {
		t.Errorf("bdb requests on legacy firmware = %d", n)
	}
}

func TestVersionFallback(t *testing.T) {
	dev := znptest.New()
	dev.Silence(znp.SubsystemSYS, 0x02)
	a := newTestAdapter(t, dev, 100*time.Millisecond)

	_, err := a.Start(testContext(t)).Await(testContext(t))
	// The fallback is a 1.2 era version, so commissioning stops at BDB.
	if !errors.Is(err, znp.ErrUnsupportedFirmware) {
		t.Fatalf("err = %v, want unsupported firmware", err)
	}
	v, err := a.Processor().Version(testContext(t), false)
	if err != nil {
		t.Fatal(err)
	}
	if v != znp.FallbackVersion() {
		t.Errorf("version = %+v, want fallback", v)
	}
}

func TestStartConnectFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := async.NewExecutor(1, logger)
	defer exec.Stop()

	uri, _ := znp.ParseConnectionURI("tcp://127.0.0.1:6638")
	tr := znp.NewTransport(uri, exec, logger, znp.WithOpener(
		func(context.Context, znp.ConnectionURI, znp.SerialOptions) (io.ReadWriteCloser, error) {
			return nil, errors.New("connection refused")
		}))
	a := New(znp.NewProcessor(tr, logger), exec, testNetwork, logger)

	_, err := a.Start(testContext(t)).Await(testContext(t))
	var serr *StartError
	if !errors.As(err, &serr) || serr.Stage != StageConnect {
		t.Fatalf("err = %v, want connect stage error", err)
	}
	if !errors.Is(err, znp.ErrTransport) {
		t.Errorf("err = %v, want transport error", err)
	}
}

func TestStateString(t *testing.T) {
	if got := StateBdbChannelsSet.String(); got != "BdbChannelsSet" {
		t.Errorf("String = %q", got)
	}
	if got := State(42).String(); got != "State(42)" {
		t.Errorf("String = %q", got)
	}
}
