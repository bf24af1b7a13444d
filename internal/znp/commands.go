package znp

import "encoding/binary"

// Command is an outbound request. ResponseID is the AREQ command ID that
// answers an AREQ request; it is unused for SREQ.
type Command struct {
	Type       Type
	Subsystem  Subsystem
	ID         uint8
	ResponseID uint8
	Payload    []byte
}

// Frame returns the wire frame for c.
func (c Command) Frame() Frame {
	return Frame{Type: c.Type, Subsystem: c.Subsystem, ID: c.ID, Payload: c.Payload}
}

// IsReset reports whether c reboots the coprocessor.
func (c Command) IsReset() bool {
	return c.Subsystem == SubsystemSYS && c.ID == cmdSysResetReq
}

// Matches reports whether f answers c.
func (c Command) Matches(f Frame) bool {
	if f.Subsystem != c.Subsystem {
		return false
	}
	switch c.Type {
	case TypeSREQ:
		return f.Type == TypeSRSP && f.ID == c.ID
	case TypeAREQ:
		return f.Type == TypeAREQ && f.ID == c.ResponseID
	default:
		return false
	}
}

func sreq(sub Subsystem, id uint8, payload []byte) Command {
	return Command{Type: TypeSREQ, Subsystem: sub, ID: id, Payload: payload}
}

func sysPing() Command    { return sreq(SubsystemSYS, cmdSysPing, nil) }
func sysVersion() Command { return sreq(SubsystemSYS, cmdSysVersion, nil) }

func sysResetReq(soft bool) Command {
	var kind byte
	if soft {
		kind = 1
	}
	return Command{
		Type:       TypeAREQ,
		Subsystem:  SubsystemSYS,
		ID:         cmdSysResetReq,
		ResponseID: cmdSysResetInd,
		Payload:    []byte{kind},
	}
}

func sysNvLength(id ItemID) Command {
	p := binary.LittleEndian.AppendUint16(nil, uint16(id))
	return sreq(SubsystemSYS, cmdSysNvLength, p)
}

// sysNvRead uses the short-offset form when it fits and the extended form
// otherwise.
func sysNvRead(id ItemID, offset uint16) Command {
	p := binary.LittleEndian.AppendUint16(nil, uint16(id))
	if offset <= 0xFF {
		return sreq(SubsystemSYS, cmdSysNvRead, append(p, byte(offset)))
	}
	p = binary.LittleEndian.AppendUint16(p, offset)
	return sreq(SubsystemSYS, cmdSysNvReadExt, p)
}

func sysNvWriteExt(id ItemID, offset uint16, data []byte) Command {
	p := make([]byte, 0, 6+len(data))
	p = binary.LittleEndian.AppendUint16(p, uint16(id))
	p = binary.LittleEndian.AppendUint16(p, offset)
	p = binary.LittleEndian.AppendUint16(p, uint16(len(data)))
	p = append(p, data...)
	return sreq(SubsystemSYS, cmdSysNvWriteExt, p)
}

func sysNvItemInit(id ItemID, totalLen uint16, data []byte) Command {
	p := make([]byte, 0, 5+len(data))
	p = binary.LittleEndian.AppendUint16(p, uint16(id))
	p = binary.LittleEndian.AppendUint16(p, totalLen)
	p = append(p, byte(len(data)))
	p = append(p, data...)
	return sreq(SubsystemSYS, cmdSysNvItemInit, p)
}

func sysNvDelete(id ItemID, length uint16) Command {
	p := binary.LittleEndian.AppendUint16(nil, uint16(id))
	p = binary.LittleEndian.AppendUint16(p, length)
	return sreq(SubsystemSYS, cmdSysNvDelete, p)
}

func sapiWriteConfiguration(prop ConfigProperty, data []byte) Command {
	p := make([]byte, 0, 2+len(data))
	p = append(p, byte(prop), byte(len(data)))
	p = append(p, data...)
	return sreq(SubsystemSAPI, cmdSapiWriteConfiguration, p)
}

func appCnfBdbSetChannel(primary bool, mask uint32) Command {
	var isPrimary byte
	if primary {
		isPrimary = 1
	}
	p := binary.LittleEndian.AppendUint32([]byte{isPrimary}, mask)
	return sreq(SubsystemAPPCNF, cmdAppCnfBdbSetChannel, p)
}

func appCnfBdbStartCommissioning(mode CommissioningMode) Command {
	return sreq(SubsystemAPPCNF, cmdAppCnfBdbStartComm, []byte{byte(mode)})
}

func utilGetDeviceInfo() Command {
	return sreq(SubsystemUTIL, cmdUtilGetDeviceInfo, nil)
}

func zdoActiveEpReq(dst, nwkAddrOfInterest uint16) Command {
	p := binary.LittleEndian.AppendUint16(nil, dst)
	p = binary.LittleEndian.AppendUint16(p, nwkAddrOfInterest)
	return sreq(SubsystemZDO, cmdZdoActiveEpReq, p)
}
