// Package znptest provides an in-memory Z-Stack coprocessor for tests.
package znptest

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"znp-host/internal/znp"
)

// Command IDs understood by the fake.
const (
	sysResetReq   = 0x00
	sysPing       = 0x01
	sysVersion    = 0x02
	sysNvItemInit = 0x07
	sysNvRead     = 0x08
	sysNvWrite    = 0x09
	sysNvDelete   = 0x12
	sysNvLength   = 0x13
	sysNvReadExt  = 0x1C
	sysNvWriteExt = 0x1D
	sysResetInd   = 0x80

	sapiWriteConfiguration = 0x05
	utilGetDeviceInfo      = 0x00
	zdoActiveEpReq         = 0x05
	appCnfBdbStartComm     = 0x05
	appCnfBdbSetChannel    = 0x08
)

const (
	statusSuccess   = 0x00
	statusCreated   = 0x09
	statusFailure   = 0x0A
	statusBadLength = 0x0C
)

type key struct {
	sub znp.Subsystem
	id  uint8
}

// Coprocessor emulates the MT command set used by the driver, including NV
// storage. Its zero value is not usable; call New.
type Coprocessor struct {
	mu           sync.Mutex
	items        map[znp.ItemID][]byte
	version      []byte
	capabilities uint16
	readChunk    int
	status       map[key]uint8
	silent       map[key]bool
	requests     []znp.Frame
	conns        []net.Conn
}

// New returns a Z-Stack 3.x.0 coprocessor with SYS capability and an aligned
// NWKKEY item.
func New() *Coprocessor {
	return &Coprocessor{
		items: map[znp.ItemID][]byte{
			znp.ItemNwkKey: make([]byte, 24),
		},
		version:      []byte{2, znp.ProductZStack3x0, 2, 7, 1, 0x2C, 0x15, 0x34, 0x01},
		capabilities: uint16(znp.CapSYS),
		readChunk:    240,
		status:       make(map[key]uint8),
		silent:       make(map[key]bool),
	}
}

// SetProduct changes the product ID reported by SYS_VERSION.
func (c *Coprocessor) SetProduct(product uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version[1] = product
}

// SetCapabilities changes the SYS_PING answer.
func (c *Coprocessor) SetCapabilities(caps znp.Capabilities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilities = uint16(caps)
}

// SetReadChunk limits how many bytes one NV read returns.
func (c *Coprocessor) SetReadChunk(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readChunk = n
}

// SetStatus forces the status byte answered to a command.
func (c *Coprocessor) SetStatus(sub znp.Subsystem, id uint8, status uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[key{sub, id}] = status
}

// Silence makes the fake never answer a command.
func (c *Coprocessor) Silence(sub znp.Subsystem, id uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silent[key{sub, id}] = true
}

// SetItem stores an NV item.
func (c *Coprocessor) SetItem(id znp.ItemID, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[id] = bytes.Clone(data)
}

// Item returns a copy of an NV item.
func (c *Coprocessor) Item(id znp.ItemID) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[id]
	return bytes.Clone(v), ok
}

// DeleteItem removes an NV item.
func (c *Coprocessor) DeleteItem(id znp.ItemID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
}

// Requests returns every frame received so far.
func (c *Coprocessor) Requests() []znp.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]znp.Frame(nil), c.requests...)
}

// RequestsFor filters Requests by subsystem and command ID.
func (c *Coprocessor) RequestsFor(sub znp.Subsystem, id uint8) []znp.Frame {
	var out []znp.Frame
	for _, f := range c.Requests() {
		if f.Subsystem == sub && f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

// ResetRequests forgets recorded requests.
func (c *Coprocessor) ResetRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = nil
}

// Opener returns a znp.Opener that connects to this fake over net.Pipe.
func (c *Coprocessor) Opener() znp.Opener {
	return func(_ context.Context, _ znp.ConnectionURI, _ znp.SerialOptions) (io.ReadWriteCloser, error) {
		host, dev := net.Pipe()
		c.mu.Lock()
		c.conns = append(c.conns, dev)
		c.mu.Unlock()
		go c.serve(dev)
		return host, nil
	}
}

// Send writes an unsolicited frame to every open connection.
func (c *Coprocessor) Send(f znp.Frame) error {
	raw, err := znp.Encode(f)
	if err != nil {
		return err
	}
	return c.SendRaw(raw)
}

// SendRaw writes raw bytes to every open connection.
func (c *Coprocessor) SendRaw(raw []byte) error {
	c.mu.Lock()
	conns := append([]net.Conn(nil), c.conns...)
	c.mu.Unlock()
	for _, conn := range conns {
		if _, err := conn.Write(raw); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect closes the device side of every connection.
func (c *Coprocessor) Disconnect() {
	c.mu.Lock()
	conns := c.conns
	c.conns = nil
	c.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (c *Coprocessor) serve(conn net.Conn) {
	defer conn.Close()
	var rx []byte
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		rx = append(rx, buf[:n]...)
		for {
			f, err := znp.TryParse(&rx)
			if err != nil {
				znp.Resync(&rx)
				continue
			}
			if f == nil {
				break
			}
			for _, resp := range c.handle(*f) {
				raw, err := znp.Encode(resp)
				if err != nil {
					continue
				}
				if _, err := conn.Write(raw); err != nil {
					return
				}
			}
		}
	}
}

func srsp(req znp.Frame, payload ...byte) znp.Frame {
	return znp.Frame{Type: znp.TypeSRSP, Subsystem: req.Subsystem, ID: req.ID, Payload: payload}
}

func (c *Coprocessor) handle(req znp.Frame) []znp.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = append(c.requests, req)
	k := key{req.Subsystem, req.ID}
	if c.silent[k] {
		return nil
	}

	resps := c.dispatch(req)
	if st, ok := c.status[k]; ok {
		for i := range resps {
			if resps[i].Type == znp.TypeSRSP && len(resps[i].Payload) > 0 {
				resps[i].Payload[0] = st
			}
		}
	}
	return resps
}

func (c *Coprocessor) dispatch(req znp.Frame) []znp.Frame {
	p := req.Payload
	switch req.Subsystem {
	case znp.SubsystemSYS:
		switch req.ID {
		case sysPing:
			return []znp.Frame{srsp(req, binary.LittleEndian.AppendUint16(nil, c.capabilities)...)}
		case sysVersion:
			return []znp.Frame{srsp(req, bytes.Clone(c.version)...)}
		case sysResetReq:
			return []znp.Frame{{
				Type:      znp.TypeAREQ,
				Subsystem: znp.SubsystemSYS,
				ID:        sysResetInd,
				Payload:   []byte{0x00, c.version[0], c.version[1], c.version[2], c.version[3], 0x00},
			}}
		case sysNvLength:
			id := znp.ItemID(binary.LittleEndian.Uint16(p))
			return []znp.Frame{srsp(req, binary.LittleEndian.AppendUint16(nil, uint16(len(c.items[id])))...)}
		case sysNvRead:
			return []znp.Frame{c.nvRead(req, znp.ItemID(binary.LittleEndian.Uint16(p)), int(p[2]))}
		case sysNvReadExt:
			return []znp.Frame{c.nvRead(req, znp.ItemID(binary.LittleEndian.Uint16(p)), int(binary.LittleEndian.Uint16(p[2:])))}
		case sysNvItemInit:
			id := znp.ItemID(binary.LittleEndian.Uint16(p))
			total := int(binary.LittleEndian.Uint16(p[2:]))
			initLen := int(p[4])
			if _, ok := c.items[id]; ok {
				return []znp.Frame{srsp(req, statusSuccess)}
			}
			item := make([]byte, total)
			copy(item, p[5:5+initLen])
			c.items[id] = item
			return []znp.Frame{srsp(req, statusCreated)}
		case sysNvWriteExt:
			id := znp.ItemID(binary.LittleEndian.Uint16(p))
			offset := int(binary.LittleEndian.Uint16(p[2:]))
			n := int(binary.LittleEndian.Uint16(p[4:]))
			return []znp.Frame{c.nvWrite(req, id, offset, p[6:6+n])}
		case sysNvWrite:
			id := znp.ItemID(binary.LittleEndian.Uint16(p))
			offset := int(p[2])
			n := int(p[3])
			return []znp.Frame{c.nvWrite(req, id, offset, p[4:4+n])}
		case sysNvDelete:
			id := znp.ItemID(binary.LittleEndian.Uint16(p))
			length := int(binary.LittleEndian.Uint16(p[2:]))
			item, ok := c.items[id]
			switch {
			case !ok:
				return []znp.Frame{srsp(req, uint8(znp.NvDeleteNoActionTaken))}
			case len(item) != length:
				return []znp.Frame{srsp(req, statusBadLength)}
			default:
				delete(c.items, id)
				return []znp.Frame{srsp(req, statusSuccess)}
			}
		}
	case znp.SubsystemSAPI:
		if req.ID == sapiWriteConfiguration {
			return []znp.Frame{srsp(req, statusSuccess)}
		}
	case znp.SubsystemAPPCNF:
		if req.ID == appCnfBdbSetChannel || req.ID == appCnfBdbStartComm {
			return []znp.Frame{srsp(req, statusSuccess)}
		}
	case znp.SubsystemUTIL:
		if req.ID == utilGetDeviceInfo {
			payload := []byte{statusSuccess}
			payload = binary.LittleEndian.AppendUint64(payload, 0x00124B0012345678)
			payload = binary.LittleEndian.AppendUint16(payload, 0x0000)
			payload = append(payload, 0x07, 0x09, 0x00)
			return []znp.Frame{srsp(req, payload...)}
		}
	case znp.SubsystemZDO:
		if req.ID == zdoActiveEpReq {
			return []znp.Frame{srsp(req, statusSuccess)}
		}
	}

	// Z-Stack answers unknown commands with an RPC error.
	return []znp.Frame{{
		Type:      znp.TypeSRSP,
		Subsystem: znp.SubsystemRPCError,
		ID:        0x00,
		Payload:   []byte{0x02, byte(req.Type)<<5 | byte(req.Subsystem), req.ID},
	}}
}

func (c *Coprocessor) nvRead(req znp.Frame, id znp.ItemID, offset int) znp.Frame {
	item, ok := c.items[id]
	if !ok || offset > len(item) {
		return srsp(req, statusFailure, 0)
	}
	end := min(offset+c.readChunk, len(item))
	chunk := item[offset:end]
	return srsp(req, append([]byte{statusSuccess, byte(len(chunk))}, chunk...)...)
}

func (c *Coprocessor) nvWrite(req znp.Frame, id znp.ItemID, offset int, data []byte) znp.Frame {
	item, ok := c.items[id]
	if !ok {
		return srsp(req, statusFailure)
	}
	if offset+len(data) > len(item) {
		return srsp(req, statusBadLength)
	}
	copy(item[offset:], data)
	return srsp(req, statusSuccess)
}
