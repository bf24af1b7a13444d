package znp

import (
	"encoding/binary"
	"fmt"
)

// Version is the SYS_VERSION response.
type Version struct {
	TransportRev uint8
	Product      uint8
	Major        uint8
	Minor        uint8
	Maint        uint8
	Revision     uint32 // Z-Stack 3.x only
}

// fallbackVersion is assumed when the coprocessor does not answer SYS_VERSION.
var fallbackVersion = Version{TransportRev: 2, Product: ProductZStack12, Major: 2, Minor: 0}

// IsZStack3 reports whether the firmware belongs to the 3.x family.
func (v Version) IsZStack3() bool {
	return v.Product == ProductZStack3x0 || v.Product == ProductZStack30x
}

func (v Version) String() string {
	family := "1.2"
	switch v.Product {
	case ProductZStack3x0:
		family = "3.x.0"
	case ProductZStack30x:
		family = "3.0.x"
	}
	return fmt.Sprintf("Z-Stack %s %d.%d.%d (transport %d, rev %d)", family, v.Major, v.Minor, v.Maint, v.TransportRev, v.Revision)
}

// ResetInfo is the SYS_RESET_IND payload.
type ResetInfo struct {
	Reason       uint8
	TransportRev uint8
	Product      uint8
	Major        uint8
	Minor        uint8
	HwRev        uint8
}

// DeviceInfo is the UTIL_GET_DEVICE_INFO response.
type DeviceInfo struct {
	IEEEAddress  uint64
	ShortAddress uint16
	DeviceType   uint8
	DeviceState  uint8
	Associated   []uint16
}

// IEEEString formats the IEEE address most significant byte first.
func (d DeviceInfo) IEEEString() string {
	return fmt.Sprintf("%016X", d.IEEEAddress)
}

func needPayload(f Frame, n int, op string) error {
	if len(f.Payload) < n {
		return newError(KindCommand, op, fmt.Sprintf("%d bytes, need %d", len(f.Payload), n), ErrShortPayload)
	}
	return nil
}

// parseStatus reads the leading status byte of a "statusable" response.
func parseStatus(f Frame, op string) (uint8, error) {
	if err := needPayload(f, 1, op); err != nil {
		return 0, err
	}
	return f.Payload[0], nil
}

func parseCapabilities(f Frame) (Capabilities, error) {
	if err := needPayload(f, 2, "ping"); err != nil {
		return 0, err
	}
	return Capabilities(binary.LittleEndian.Uint16(f.Payload)), nil
}

func parseVersion(f Frame) (Version, error) {
	if err := needPayload(f, 5, "version"); err != nil {
		return Version{}, err
	}
	p := f.Payload
	v := Version{TransportRev: p[0], Product: p[1], Major: p[2], Minor: p[3], Maint: p[4]}
	if len(p) >= 9 {
		v.Revision = binary.LittleEndian.Uint32(p[5:9])
	}
	return v, nil
}

func parseResetInfo(f Frame) (ResetInfo, error) {
	if err := needPayload(f, 6, "reset"); err != nil {
		return ResetInfo{}, err
	}
	p := f.Payload
	return ResetInfo{Reason: p[0], TransportRev: p[1], Product: p[2], Major: p[3], Minor: p[4], HwRev: p[5]}, nil
}

func parseNvLength(f Frame) (uint16, error) {
	if err := needPayload(f, 2, "nv length"); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(f.Payload), nil
}

// parseNvRead returns the status and the chunk bytes actually present.
func parseNvRead(f Frame) (uint8, []byte, error) {
	if err := needPayload(f, 2, "nv read"); err != nil {
		return 0, nil, err
	}
	status, n := f.Payload[0], int(f.Payload[1])
	data := f.Payload[2:]
	if n < len(data) {
		data = data[:n]
	}
	return status, data, nil
}

func parseDeviceInfo(f Frame) (DeviceInfo, error) {
	if err := needPayload(f, 14, "device info"); err != nil {
		return DeviceInfo{}, err
	}
	p := f.Payload
	if p[0] != 0 {
		return DeviceInfo{}, newError(KindCommand, "device info", "", nil).withStatus(p[0])
	}
	info := DeviceInfo{
		IEEEAddress:  binary.LittleEndian.Uint64(p[1:9]),
		ShortAddress: binary.LittleEndian.Uint16(p[9:11]),
		DeviceType:   p[11],
		DeviceState:  p[12],
	}
	count := int(p[13])
	rest := p[14:]
	for i := 0; i < count && len(rest) >= 2; i++ {
		info.Associated = append(info.Associated, binary.LittleEndian.Uint16(rest))
		rest = rest[2:]
	}
	return info, nil
}
