package znp

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Processor is the typed command surface of a Z-Stack coprocessor.
type Processor struct {
	transport *Transport
	logger    *slog.Logger

	// mu protects the cached firmware facts.
	mu           sync.Mutex
	version      *Version
	capabilities Capabilities
}

// NewProcessor wraps a transport.
func NewProcessor(t *Transport, logger *slog.Logger) *Processor {
	return &Processor{
		transport: t,
		logger:    logger.With("component", "znp"),
	}
}

// Connect opens the underlying transport.
func (p *Processor) Connect(ctx context.Context) error {
	return p.transport.Connect(ctx)
}

// Close closes the underlying transport.
func (p *Processor) Close() error {
	return p.transport.Close()
}

// Transport returns the underlying transport.
func (p *Processor) Transport() *Transport {
	return p.transport
}

func (p *Processor) request(ctx context.Context, cmd Command) (Frame, error) {
	return p.transport.Call(ctx, cmd)
}

// statusRequest sends cmd and fails unless the response status is zero.
func (p *Processor) statusRequest(ctx context.Context, op string, cmd Command) error {
	f, err := p.request(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	status, err := parseStatus(f, op)
	if err != nil {
		return err
	}
	if status != 0 {
		return newError(KindCommand, op, "", nil).withStatus(status)
	}
	return nil
}

// Ping returns the coprocessor capabilities and caches them.
func (p *Processor) Ping(ctx context.Context) (Capabilities, error) {
	p.logger.Info("pinging adapter")
	f, err := p.request(ctx, sysPing())
	if err != nil {
		return 0, fmt.Errorf("ping: %w", err)
	}
	caps, err := parseCapabilities(f)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.capabilities = caps
	p.mu.Unlock()
	return caps, nil
}

// Capabilities returns the last pinged capability set.
func (p *Processor) Capabilities() Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capabilities
}

// Version returns the cached firmware version, querying it on first use or
// when forceReload is set.
func (p *Processor) Version(ctx context.Context, forceReload bool) (Version, error) {
	p.mu.Lock()
	if !forceReload && p.version != nil {
		v := *p.version
		p.mu.Unlock()
		return v, nil
	}
	p.mu.Unlock()

	f, err := p.request(ctx, sysVersion())
	if err != nil {
		return Version{}, fmt.Errorf("version: %w", err)
	}
	v, err := parseVersion(f)
	if err != nil {
		return Version{}, err
	}
	p.SetVersion(v)
	return v, nil
}

// SetVersion overrides the cached version, e.g. with a fallback.
func (p *Processor) SetVersion(v Version) {
	p.mu.Lock()
	p.version = &v
	p.mu.Unlock()
}

// FallbackVersion is the version assumed when SYS_VERSION fails.
func FallbackVersion() Version { return fallbackVersion }

// Reset reboots the coprocessor and waits for SYS_RESET_IND.
func (p *Processor) Reset(ctx context.Context, soft bool) (ResetInfo, error) {
	p.logger.Info("resetting adapter", "soft", soft)
	f, err := p.request(ctx, sysResetReq(soft))
	if err != nil {
		return ResetInfo{}, fmt.Errorf("reset: %w", err)
	}
	return parseResetInfo(f)
}

// StartupOptions controls what the coprocessor clears on its next boot.
type StartupOptions struct {
	ClearNetworkFrameCounter bool
	ClearNetworkState        bool
	ClearDeviceConfiguration bool
}

// StartupNormal clears nothing.
func StartupNormal() StartupOptions { return StartupOptions{} }

// StartupClearDeviceAndNetwork wipes configuration and network state.
func StartupClearDeviceAndNetwork() StartupOptions {
	return StartupOptions{ClearNetworkState: true, ClearDeviceConfiguration: true}
}

func (o StartupOptions) bits() byte {
	var b byte
	if o.ClearNetworkFrameCounter {
		b |= startOptClearNwkFrameCounter
	}
	if o.ClearNetworkState {
		b |= startOptClearState
	}
	if o.ClearDeviceConfiguration {
		b |= startOptClearConfig
	}
	return b
}

func parseStartupOptions(b byte) StartupOptions {
	return StartupOptions{
		ClearNetworkFrameCounter: b&startOptClearNwkFrameCounter != 0,
		ClearNetworkState:        b&startOptClearState != 0,
		ClearDeviceConfiguration: b&startOptClearConfig != 0,
	}
}

// SetStartupOptions writes ZCD_NV_STARTUP_OPTION.
func (p *Processor) SetStartupOptions(ctx context.Context, o StartupOptions) error {
	p.logger.Info("setting adapter startup options", "value", fmt.Sprintf("0x%02X", o.bits()))
	return p.WriteItem(ctx, ItemStartupOption, []byte{o.bits()}, true)
}

// StartupOptions reads ZCD_NV_STARTUP_OPTION.
func (p *Processor) StartupOptions(ctx context.Context) (StartupOptions, error) {
	data, err := p.ReadItem(ctx, ItemStartupOption)
	if err != nil {
		return StartupOptions{}, err
	}
	if len(data) == 0 {
		return StartupOptions{}, nil
	}
	return parseStartupOptions(data[0]), nil
}

// SetLogicalType writes the device role.
func (p *Processor) SetLogicalType(ctx context.Context, lt LogicalType) error {
	p.logger.Info("setting adapter logical type", "type", lt)
	return p.WriteItem(ctx, ItemLogicalType, []byte{byte(lt)}, true)
}

// SetPanID writes the 16-bit PAN ID.
func (p *Processor) SetPanID(ctx context.Context, panID uint16) error {
	p.logger.Info("setting adapter PAN ID", "pan_id", fmt.Sprintf("0x%04X", panID))
	return p.WriteItem(ctx, ItemPanID, binary.LittleEndian.AppendUint16(nil, panID), true)
}

// SetExtendedPanID writes the 64-bit extended PAN ID.
func (p *Processor) SetExtendedPanID(ctx context.Context, ext uint64) error {
	p.logger.Info("setting adapter extended PAN ID", "ext_pan_id", fmt.Sprintf("0x%016X", ext))
	return p.WriteItem(ctx, ItemExtendedPanID, binary.LittleEndian.AppendUint64(nil, ext), true)
}

// SetAPSUseExtendedPanID writes the APS extended PAN ID.
func (p *Processor) SetAPSUseExtendedPanID(ctx context.Context, ext uint64) error {
	p.logger.Info("setting adapter APS use extended PAN ID")
	return p.WriteItem(ctx, ItemAPSUseExtPanID, binary.LittleEndian.AppendUint64(nil, ext), true)
}

// SetPreconfiguredKeysEnabled toggles distribution of the preconfigured key.
func (p *Processor) SetPreconfiguredKeysEnabled(ctx context.Context, enabled bool) error {
	p.logger.Info("setting adapter preconfigured keys enabled", "enabled", enabled)
	return p.WriteItem(ctx, ItemPrecfgKeysEnable, []byte{boolByte(enabled)}, true)
}

// SetZDODirectCallback toggles ZDO direct callbacks.
func (p *Processor) SetZDODirectCallback(ctx context.Context, enabled bool) error {
	p.logger.Info("setting ZDO direct callback", "enabled", enabled)
	return p.WriteItem(ctx, ItemZDODirectCB, []byte{boolByte(enabled)}, true)
}

// SetChannelList writes the channel bitmask.
func (p *Processor) SetChannelList(ctx context.Context, channels []uint8) error {
	mask, err := ChannelMask(channels)
	if err != nil {
		return err
	}
	p.logger.Info("setting adapter channel list", "mask", fmt.Sprintf("0x%08X", mask))
	return p.WriteItem(ctx, ItemChanList, binary.LittleEndian.AppendUint32(nil, mask), true)
}

// SetPreconfiguredKeys stores the network key. Z-Stack 3.x keeps it in an NV
// item; 1.2 takes it as a configuration property plus the default TCLK table.
func (p *Processor) SetPreconfiguredKeys(ctx context.Context, key [16]byte) error {
	p.logger.Info("setting adapter preconfigured keys")
	v, err := p.Version(ctx, false)
	if err != nil {
		return err
	}
	if v.IsZStack3() {
		return p.WriteItem(ctx, ItemPrecfgKeys, key[:], true)
	}
	if err := p.WriteConfiguration(ctx, ConfPropPrecfgKeys, key[:]); err != nil {
		return err
	}
	return p.WriteItem(ctx, ItemLegacyTCLKTableStart, legacyTCLKTable, true)
}

// DeleteNetworkInformationBlock removes the NIB. A missing NIB is success.
func (p *Processor) DeleteNetworkInformationBlock(ctx context.Context) error {
	p.logger.Info("deleting the network information block")
	_, err := p.DeleteItem(ctx, ItemNIB)
	return err
}

// MemoryAlignment infers the NV struct alignment from the NWKKEY item size.
func (p *Processor) MemoryAlignment(ctx context.Context) (MemoryAlignment, error) {
	data, err := p.ReadItem(ctx, ItemNwkKey)
	if err != nil {
		return 0, fmt.Errorf("memory alignment: %w", err)
	}
	if len(data) == int(MemoryAligned) {
		return MemoryAligned, nil
	}
	return MemoryUnaligned, nil
}

// SetBDBChannel sets the primary or secondary BDB commissioning channel mask.
func (p *Processor) SetBDBChannel(ctx context.Context, primary bool, channels []uint8) error {
	mask, err := ChannelMask(channels)
	if err != nil {
		return err
	}
	p.logger.Info("setting BDB commissioning channels", "primary", primary, "mask", fmt.Sprintf("0x%08X", mask))
	return p.statusRequest(ctx, "bdb set channel", appCnfBdbSetChannel(primary, mask))
}

// StartBDBCommissioning triggers BDB commissioning in the given mode.
func (p *Processor) StartBDBCommissioning(ctx context.Context, mode CommissioningMode) error {
	p.logger.Info("starting BDB commissioning", "mode", fmt.Sprintf("0x%02X", uint8(mode)))
	return p.statusRequest(ctx, "bdb start commissioning", appCnfBdbStartCommissioning(mode))
}

// WriteConfiguration writes a SAPI configuration property.
func (p *Processor) WriteConfiguration(ctx context.Context, prop ConfigProperty, data []byte) error {
	if len(data) > MaxPayload-2 {
		return newError(KindInvalidArgument, "write configuration", fmt.Sprintf("%d bytes", len(data)), nil)
	}
	return p.statusRequest(ctx, fmt.Sprintf("write configuration 0x%02X", uint8(prop)), sapiWriteConfiguration(prop, data))
}

// DeviceInfo queries the coprocessor's own addresses and state.
func (p *Processor) DeviceInfo(ctx context.Context) (DeviceInfo, error) {
	p.logger.Info("getting device info")
	f, err := p.request(ctx, utilGetDeviceInfo())
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("device info: %w", err)
	}
	return parseDeviceInfo(f)
}

// ActiveEndpoints issues ZDO_ACTIVE_EP_REQ. Only the request status is
// returned; the endpoint list arrives later as an indication.
func (p *Processor) ActiveEndpoints(ctx context.Context, dst, nwkAddrOfInterest uint16) error {
	p.logger.Info("getting active endpoints", "dst", fmt.Sprintf("0x%04X", dst))
	return p.statusRequest(ctx, "active endpoints", zdoActiveEpReq(dst, nwkAddrOfInterest))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
