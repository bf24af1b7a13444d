// Package adapter forms a Zigbee network on a Z-Stack coprocessor.
package adapter

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"znp-host/internal/async"
	"znp-host/internal/events"
	"znp-host/internal/store"
	"znp-host/internal/znp"
)

// reservedPanID is the "don't care" PAN ID and cannot be commissioned.
const reservedPanID = 0xFFFF

// NetworkOptions are the parameters of the network to form.
type NetworkOptions struct {
	PanID                uint16
	ExtendedPanID        uint64
	Channels             []uint8
	NetworkKey           [16]byte
	DistributeNetworkKey bool
}

// NetworkStore persists the parameters of a commissioned network.
type NetworkStore interface {
	SaveNetworkState(state *store.NetworkState) error
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithEventBus publishes state changes on bus instead of a private one.
func WithEventBus(bus *events.Bus) Option {
	return func(a *Adapter) { a.bus = bus }
}

// WithNetworkStore saves the network parameters after commissioning.
func WithNetworkStore(s NetworkStore) Option {
	return func(a *Adapter) { a.store = s }
}

// Adapter drives a coprocessor through connect, initialization and network
// formation.
type Adapter struct {
	proc    *znp.Processor
	exec    *async.Executor
	network NetworkOptions
	logger  *slog.Logger
	bus     *events.Bus
	store   NetworkStore

	mu        sync.Mutex
	state     State
	alignment znp.MemoryAlignment
}

// New creates an adapter that will form network on proc.
func New(proc *znp.Processor, exec *async.Executor, network NetworkOptions, logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		proc:    proc,
		exec:    exec,
		network: network,
		logger:  logger.With("component", "adapter"),
	}
	for _, o := range opts {
		o(a)
	}
	if a.bus == nil {
		a.bus = events.NewBus(logger)
	}
	return a
}

// Processor returns the coprocessor the adapter drives.
func (a *Adapter) Processor() *znp.Processor { return a.proc }

// State returns the current commissioning state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// MemoryAlignment returns the alignment found during initialization.
func (a *Adapter) MemoryAlignment() znp.MemoryAlignment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alignment
}

// OnStateChange calls fn on every state transition. Returns an unsubscribe
// function.
func (a *Adapter) OnStateChange(fn func(State)) func() {
	return a.bus.On(events.AdapterState, func(e events.Event) {
		if s, ok := e.Data.(State); ok {
			fn(s)
		}
	})
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if prev != s {
		a.logger.Info("adapter state", "from", prev, "to", s)
	}
	a.bus.Emit(events.Event{Type: events.AdapterState, Data: s})
}

func (a *Adapter) fail(err error) error {
	a.setState(StateFailed)
	a.bus.Emit(events.Event{Type: events.AdapterError, Data: znp.Chain(err)})
	return err
}

// Start connects, initializes the processor and forms the configured
// network. The task resolves to true once the network is commissioned.
func (a *Adapter) Start(ctx context.Context) *async.Task[bool] {
	return async.Spawn(a.exec, func() (bool, error) {
		if err := a.proc.Connect(ctx); err != nil {
			return false, a.fail(&StartError{Stage: StageConnect, Err: err})
		}
		if err := a.initializeProcessor(ctx); err != nil {
			return false, a.fail(&StartError{Stage: StageInitialize, Err: err})
		}
		if err := a.BeginCommissioning(ctx, a.network); err != nil {
			// BeginCommissioning already moved to Failed.
			return false, &StartError{Stage: StageCommission, Err: err}
		}
		return true, nil
	})
}

// initializeProcessor caches capabilities, version and memory alignment. A
// failed version query falls back to a Z-Stack 1.2 era version.
func (a *Adapter) initializeProcessor(ctx context.Context) error {
	caps, err := a.proc.Ping(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("adapter capabilities", "caps", strings.Join(caps.Names(), ","))

	v, err := a.proc.Version(ctx, true)
	if err != nil {
		v = znp.FallbackVersion()
		a.proc.SetVersion(v)
		a.logger.Warn("version query failed, using fallback", "version", v, "err", err)
	} else {
		a.logger.Info("adapter firmware", "version", v)
	}

	alignment, err := a.proc.MemoryAlignment(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.alignment = alignment
	a.mu.Unlock()
	a.logger.Info("adapter memory alignment", "alignment", alignment)
	return nil
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

func (a *Adapter) runSteps(ctx context.Context, steps []step) error {
	for _, s := range steps {
		if err := s.run(ctx); err != nil {
			return znp.CommissioningError(s.name, err)
		}
	}
	return nil
}

// BeginCommissioning forms opts' network. It stops at the first failing step
// and leaves earlier NV writes in place.
func (a *Adapter) BeginCommissioning(ctx context.Context, opts NetworkOptions) error {
	if opts.PanID == reservedPanID {
		return znp.KindError(znp.KindInvalidPanID, "begin commissioning", "0xFFFF is reserved")
	}
	if _, err := znp.ChannelMask(opts.Channels); err != nil {
		return err
	}
	a.setState(StateIdle)
	p := a.proc

	if err := a.runSteps(ctx, []step{
		{"delete network information block", p.DeleteNetworkInformationBlock},
	}); err != nil {
		return a.fail(err)
	}
	a.setState(StateNibCleared)

	if err := a.runSteps(ctx, []step{
		{"clear startup options", func(ctx context.Context) error {
			return p.SetStartupOptions(ctx, znp.StartupClearDeviceAndNetwork())
		}},
		{"soft reset", func(ctx context.Context) error {
			_, err := p.Reset(ctx, true)
			return err
		}},
		{"restore startup options", func(ctx context.Context) error {
			return p.SetStartupOptions(ctx, znp.StartupNormal())
		}},
	}); err != nil {
		return a.fail(err)
	}
	a.setState(StateAdapterCleared)

	if err := a.runSteps(ctx, []step{
		{"set startup options", func(ctx context.Context) error {
			return p.SetStartupOptions(ctx, znp.StartupNormal())
		}},
		{"set logical type", func(ctx context.Context) error {
			return p.SetLogicalType(ctx, znp.LogicalCoordinator)
		}},
		{"set zdo direct callback", func(ctx context.Context) error {
			return p.SetZDODirectCallback(ctx, true)
		}},
		{"set channel list", func(ctx context.Context) error {
			return p.SetChannelList(ctx, opts.Channels)
		}},
		{"set pan id", func(ctx context.Context) error {
			return p.SetPanID(ctx, opts.PanID)
		}},
		{"set extended pan id", func(ctx context.Context) error {
			return p.SetExtendedPanID(ctx, opts.ExtendedPanID)
		}},
		{"set aps use extended pan id", func(ctx context.Context) error {
			return p.SetAPSUseExtendedPanID(ctx, opts.ExtendedPanID)
		}},
		{"set preconfigured keys enabled", func(ctx context.Context) error {
			return p.SetPreconfiguredKeysEnabled(ctx, opts.DistributeNetworkKey)
		}},
		{"set preconfigured keys", func(ctx context.Context) error {
			return p.SetPreconfiguredKeys(ctx, opts.NetworkKey)
		}},
	}); err != nil {
		return a.fail(err)
	}
	a.setState(StateConfigItemsWritten)

	v, err := p.Version(ctx, false)
	if err != nil {
		return a.fail(znp.CommissioningError("read version", err))
	}
	if !v.IsZStack3() {
		unsupported := znp.KindError(znp.KindUnsupportedFirmware, "bdb commissioning", fmt.Sprintf("%s has no BDB commissioning path", v))
		return a.fail(znp.CommissioningError("bdb commissioning", unsupported))
	}

	if err := a.runSteps(ctx, []step{
		{"set bdb primary channel", func(ctx context.Context) error {
			return p.SetBDBChannel(ctx, true, opts.Channels)
		}},
		{"set bdb secondary channel", func(ctx context.Context) error {
			return p.SetBDBChannel(ctx, false, nil)
		}},
	}); err != nil {
		return a.fail(err)
	}
	a.setState(StateBdbChannelsSet)

	if err := a.runSteps(ctx, []step{
		{"start bdb commissioning", func(ctx context.Context) error {
			return p.StartBDBCommissioning(ctx, znp.CommissioningNetworkFormation)
		}},
	}); err != nil {
		return a.fail(err)
	}
	a.setState(StateBdbCommissioningStarted)

	a.setState(StateCommissioned)
	a.persist(opts, v)
	return nil
}

// persist records the formed network. A store failure is logged, the network
// is formed either way.
func (a *Adapter) persist(opts NetworkOptions, v znp.Version) {
	state := &store.NetworkState{
		PanID:          opts.PanID,
		ExtPanID:       fmt.Sprintf("%016X", opts.ExtendedPanID),
		Channels:       opts.Channels,
		NetworkKey:     strings.ToUpper(hex.EncodeToString(opts.NetworkKey[:])),
		Firmware:       v.String(),
		Formed:         true,
		CommissionedAt: time.Now(),
	}
	a.bus.Emit(events.Event{Type: events.NetworkFormed, Data: state})
	if a.store == nil {
		return
	}
	if err := a.store.SaveNetworkState(state); err != nil {
		a.logger.Warn("failed to save network state", "err", err)
	}
}
