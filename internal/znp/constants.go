package znp

import (
	"fmt"
	"strconv"
	"strings"
)

// MT frame layout.
const (
	SOF        = 0xFE
	MaxPayload = 250

	headerLen  = 4 // SOF, length, type|subsystem, command ID
	trailerLen = 1 // checksum
)

// Type is the 3-bit MT command type.
type Type uint8

const (
	TypePOLL Type = 0
	TypeSREQ Type = 1
	TypeAREQ Type = 2
	TypeSRSP Type = 3
)

func (t Type) String() string {
	switch t {
	case TypePOLL:
		return "POLL"
	case TypeSREQ:
		return "SREQ"
	case TypeAREQ:
		return "AREQ"
	case TypeSRSP:
		return "SRSP"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Subsystem is the 5-bit MT subsystem.
type Subsystem uint8

const (
	SubsystemRPCError   Subsystem = 0
	SubsystemSYS        Subsystem = 1
	SubsystemMAC        Subsystem = 2
	SubsystemNWK        Subsystem = 3
	SubsystemAF         Subsystem = 4
	SubsystemZDO        Subsystem = 5
	SubsystemSAPI       Subsystem = 6
	SubsystemUTIL       Subsystem = 7
	SubsystemDEBUG      Subsystem = 8
	SubsystemAPP        Subsystem = 9
	SubsystemAPPCNF     Subsystem = 15
	SubsystemGreenPower Subsystem = 21
)

var subsystemNames = map[Subsystem]string{
	SubsystemRPCError:   "RPC_ERROR",
	SubsystemSYS:        "SYS",
	SubsystemMAC:        "MAC",
	SubsystemNWK:        "NWK",
	SubsystemAF:         "AF",
	SubsystemZDO:        "ZDO",
	SubsystemSAPI:       "SAPI",
	SubsystemUTIL:       "UTIL",
	SubsystemDEBUG:      "DEBUG",
	SubsystemAPP:        "APP",
	SubsystemAPPCNF:     "APP_CNF",
	SubsystemGreenPower: "GREENPOWER",
}

func (s Subsystem) String() string {
	if name, ok := subsystemNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SUBSYS(%d)", uint8(s))
}

// SYS command IDs.
const (
	cmdSysResetReq     = 0x00
	cmdSysPing         = 0x01
	cmdSysVersion      = 0x02
	cmdSysNvItemInit   = 0x07
	cmdSysNvRead       = 0x08
	cmdSysNvWrite      = 0x09
	cmdSysNvDelete     = 0x12
	cmdSysNvLength     = 0x13
	cmdSysNvReadExt    = 0x1C
	cmdSysNvWriteExt   = 0x1D
	cmdSysResetInd     = 0x80
)

// Other subsystems.
const (
	cmdSapiWriteConfiguration = 0x05
	cmdUtilGetDeviceInfo      = 0x00
	cmdZdoActiveEpReq         = 0x05
	cmdAppCnfBdbStartComm     = 0x05
	cmdAppCnfBdbSetChannel    = 0x08
)

// Capabilities is the bitset returned by SYS_PING.
type Capabilities uint16

const (
	CapSYS   Capabilities = 0x0001
	CapMAC   Capabilities = 0x0002
	CapNWK   Capabilities = 0x0004
	CapAF    Capabilities = 0x0008
	CapZDO   Capabilities = 0x0010
	CapSAPI  Capabilities = 0x0020
	CapUTIL  Capabilities = 0x0040
	CapDEBUG Capabilities = 0x0080
	CapAPP   Capabilities = 0x0100
	CapZOAD  Capabilities = 0x1000
)

var capabilityNames = []struct {
	cap  Capabilities
	name string
}{
	{CapSYS, "SYS"}, {CapMAC, "MAC"}, {CapNWK, "NWK"}, {CapAF, "AF"},
	{CapZDO, "ZDO"}, {CapSAPI, "SAPI"}, {CapUTIL, "UTIL"}, {CapDEBUG, "DEBUG"},
	{CapAPP, "APP"}, {CapZOAD, "ZOAD"},
}

// Has reports whether every bit of c2 is set.
func (c Capabilities) Has(c2 Capabilities) bool { return c&c2 == c2 }

// Names lists the set capabilities in bit order.
func (c Capabilities) Names() []string {
	var out []string
	for _, cn := range capabilityNames {
		if c.Has(cn.cap) {
			out = append(out, cn.name)
		}
	}
	return out
}

// Product IDs reported by SYS_VERSION.
const (
	ProductZStack12  uint8 = 0
	ProductZStack3x0 uint8 = 1
	ProductZStack30x uint8 = 2
)

// ItemID identifies an NV item (a device configuration entry).
type ItemID uint16

const (
	ItemStartupOption         ItemID = 0x0003
	ItemNIB                   ItemID = 0x0021
	ItemExtendedPanID         ItemID = 0x002D
	ItemAPSUseExtPanID        ItemID = 0x0047
	ItemPrecfgKeys            ItemID = 0x0062
	ItemPrecfgKeysEnable      ItemID = 0x0063
	ItemNwkKey                ItemID = 0x0082
	ItemPanID                 ItemID = 0x0083
	ItemChanList              ItemID = 0x0084
	ItemLogicalType           ItemID = 0x0087
	ItemZDODirectCB           ItemID = 0x008F
	ItemLegacyTCLKTableStart  ItemID = 0x0101 // Z-Stack 1.2 only
)

var itemNames = map[ItemID]string{
	ItemStartupOption:        "STARTUP_OPTION",
	ItemNIB:                  "NIB",
	ItemExtendedPanID:        "EXTENDED_PAN_ID",
	ItemAPSUseExtPanID:       "APS_USE_EXT_PANID",
	ItemPrecfgKeys:           "PRECFGKEY",
	ItemPrecfgKeysEnable:     "PRECFGKEYS_ENABLE",
	ItemNwkKey:               "NWKKEY",
	ItemPanID:                "PANID",
	ItemChanList:             "CHANLIST",
	ItemLogicalType:          "LOGICAL_TYPE",
	ItemZDODirectCB:          "ZDO_DIRECT_CB",
	ItemLegacyTCLKTableStart: "LEGACY_TCLK_TABLE_START",
}

func (id ItemID) String() string {
	if name, ok := itemNames[id]; ok {
		return fmt.Sprintf("%s(0x%04X)", name, uint16(id))
	}
	return fmt.Sprintf("0x%04X", uint16(id))
}

// ParseItemID accepts a numeric ID ("0x83", "131") or a known item name
// ("PANID", case-insensitive).
func ParseItemID(s string) (ItemID, error) {
	if v, err := strconv.ParseUint(s, 0, 16); err == nil {
		return ItemID(v), nil
	}
	for id, name := range itemNames {
		if strings.EqualFold(name, s) {
			return id, nil
		}
	}
	return 0, newError(KindInvalidArgument, "parse item id", fmt.Sprintf("%q is neither a number nor a known item", s), nil)
}

// CommissioningItems are the NV items written while forming a network.
var CommissioningItems = []ItemID{
	ItemStartupOption,
	ItemLogicalType,
	ItemZDODirectCB,
	ItemChanList,
	ItemPanID,
	ItemExtendedPanID,
	ItemAPSUseExtPanID,
	ItemPrecfgKeysEnable,
	ItemPrecfgKeys,
	ItemNwkKey,
}

// ConfigProperty is a SAPI configuration property ID.
type ConfigProperty uint8

const ConfPropPrecfgKeys ConfigProperty = 0x62

// Startup option bits for ItemStartupOption.
const (
	startOptClearConfig          = 0x01
	startOptClearState           = 0x02
	startOptClearNwkFrameCounter = 0x80
)

// LogicalType is the device role stored in ItemLogicalType.
type LogicalType uint8

const (
	LogicalCoordinator LogicalType = 0
	LogicalRouter      LogicalType = 1
	LogicalEndDevice   LogicalType = 2
)

// NvDeleteStatus is the status byte of SYS_OSAL_NV_DELETE.
type NvDeleteStatus uint8

const (
	NvDeleteSuccess       NvDeleteStatus = 0x00
	NvDeleteNoActionTaken NvDeleteStatus = 0x09
	NvDeleteFailure       NvDeleteStatus = 0x0A
	NvDeleteBadLength     NvDeleteStatus = 0x0C
)

func (s NvDeleteStatus) String() string {
	switch s {
	case NvDeleteSuccess:
		return "success"
	case NvDeleteNoActionTaken:
		return "no action taken"
	case NvDeleteFailure:
		return "failure"
	case NvDeleteBadLength:
		return "bad length"
	default:
		return fmt.Sprintf("status 0x%02X", uint8(s))
	}
}

// OK reports whether the delete counts as overall success.
func (s NvDeleteStatus) OK() bool {
	return s == NvDeleteSuccess || s == NvDeleteNoActionTaken
}

// NV item init statuses. Z-Stack answers 0x09 when it created the item.
const (
	nvInitExisted = 0x00
	nvInitCreated = 0x09
)

// nvChunkSize caps data bytes per init/write request.
const nvChunkSize = 240

// MemoryAlignment is derived from the NWKKEY item length.
type MemoryAlignment uint8

const (
	MemoryUnaligned MemoryAlignment = 21
	MemoryAligned   MemoryAlignment = 24
)

func (m MemoryAlignment) String() string {
	if m == MemoryAligned {
		return "aligned"
	}
	return "unaligned"
}

// CommissioningMode is the BDB commissioning mode bitmask.
type CommissioningMode uint8

const (
	CommissioningInitializing      CommissioningMode = 0x00
	CommissioningTouchLink         CommissioningMode = 0x01
	CommissioningNetworkSteering   CommissioningMode = 0x02
	CommissioningNetworkFormation  CommissioningMode = 0x04
	CommissioningFindingAndBinding CommissioningMode = 0x08
)

// Zigbee 2.4GHz channel range.
const (
	MinChannel = 11
	MaxChannel = 26
)

// ChannelMask converts a channel list to the 32-bit mask used by CHANLIST and
// BDB. Channels outside 11..26 are rejected.
func ChannelMask(channels []uint8) (uint32, error) {
	var mask uint32
	for _, ch := range channels {
		if ch < MinChannel || ch > MaxChannel {
			return 0, newError(KindInvalidArgument, "channel mask", fmt.Sprintf("channel %d outside %d-%d", ch, MinChannel, MaxChannel), nil)
		}
		mask |= 1 << ch
	}
	return mask, nil
}

// legacyTCLKTable is the default trust center link key table entry written on
// Z-Stack 1.2: wildcard IEEE, "ZigBeeAlliance09", zero frame counters.
var legacyTCLKTable = []byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0x5a, 0x69, 0x67, 0x42, 0x65, 0x65, 0x41, 0x6c,
	0x6c, 0x69, 0x61, 0x6e, 0x63, 0x65, 0x30, 0x39,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}
