package znp

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodePing(t *testing.T) {
	raw, err := Encode(sysPing().Frame())
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0xFE, 0x00, 0x21, 0x01, 0x20}
	if !bytes.Equal(raw, want) {
		t.Errorf("encode ping = % X, want % X", raw, want)
	}
}

func TestEncodeNvLength(t *testing.T) {
	raw, err := Encode(sysNvLength(ItemNwkKey).Frame())
	if err != nil {
		t.Fatal(err)
	}
	// len=2, cmd0=0x21, cmd1=0x13, id=0x0082 LE, fcs = 02^21^13^82^00
	want := []byte{0xFE, 0x02, 0x21, 0x13, 0x82, 0x00, 0x02 ^ 0x21 ^ 0x13 ^ 0x82}
	if !bytes.Equal(raw, want) {
		t.Errorf("encode nv length = % X, want % X", raw, want)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	big := make([]byte, MaxPayload)
	for i := range big {
		big[i] = byte(i)
	}
	tests := []struct {
		name string
		f    Frame
	}{
		{"empty SREQ", Frame{Type: TypeSREQ, Subsystem: SubsystemSYS, ID: 0x01}},
		{"SRSP", Frame{Type: TypeSRSP, Subsystem: SubsystemSYS, ID: 0x02, Payload: []byte{2, 1, 2, 7, 1}}},
		{"AREQ", Frame{Type: TypeAREQ, Subsystem: SubsystemZDO, ID: 0xC0, Payload: []byte{0x09}}},
		{"POLL", Frame{Type: TypePOLL, Subsystem: SubsystemAPPCNF, ID: 0x80}},
		{"green power", Frame{Type: TypeAREQ, Subsystem: SubsystemGreenPower, ID: 0x05, Payload: []byte{0xFE, 0xFE}}},
		{"max payload", Frame{Type: TypeSREQ, Subsystem: SubsystemUTIL, ID: 0x10, Payload: big}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.f)
			if err != nil {
				t.Fatal(err)
			}
			buf := raw
			got, err := TryParse(&buf)
			if err != nil {
				t.Fatal(err)
			}
			if got == nil {
				t.Fatal("TryParse returned nil for a complete frame")
			}
			if got.Type != tt.f.Type || got.Subsystem != tt.f.Subsystem || got.ID != tt.f.ID {
				t.Errorf("header = %s, want %s", got, tt.f)
			}
			if !bytes.Equal(got.Payload, tt.f.Payload) {
				t.Errorf("payload = % X, want % X", got.Payload, tt.f.Payload)
			}
			if len(buf) != 0 {
				t.Errorf("buffer has %d leftover bytes", len(buf))
			}
		})
	}
}

func TestTryParseByteAtATime(t *testing.T) {
	f := Frame{Type: TypeSRSP, Subsystem: SubsystemSYS, ID: 0x08, Payload: []byte{0x00, 0x03, 0xAA, 0xBB, 0xCC}}
	raw, err := Encode(f)
	if err != nil {
		t.Fatal(err)
	}

	var buf []byte
	parsed := 0
	for i, b := range raw {
		buf = append(buf, b)
		got, err := TryParse(&buf)
		if err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
		if got == nil {
			if i == len(raw)-1 {
				t.Fatal("no frame after the final byte")
			}
			continue
		}
		if i != len(raw)-1 {
			t.Fatalf("frame returned early at byte %d", i)
		}
		parsed++
		if !bytes.Equal(got.Payload, f.Payload) {
			t.Errorf("payload = % X", got.Payload)
		}
	}
	if parsed != 1 {
		t.Errorf("parsed %d frames, want 1", parsed)
	}
	if got, _ := TryParse(&buf); got != nil {
		t.Error("second TryParse on drained buffer returned a frame")
	}
}

func TestTryParseMultipleFrames(t *testing.T) {
	f1 := Frame{Type: TypeSRSP, Subsystem: SubsystemSYS, ID: 0x13, Payload: []byte{0x18, 0x00}}
	f2 := Frame{Type: TypeAREQ, Subsystem: SubsystemSYS, ID: 0x80, Payload: []byte{0, 2, 1, 2, 7, 0}}
	r1, _ := Encode(f1)
	r2, _ := Encode(f2)
	buf := append(append([]byte{}, r1...), r2...)

	got1, err := TryParse(&buf)
	if err != nil || got1 == nil {
		t.Fatalf("first frame: %v, %v", got1, err)
	}
	got2, err := TryParse(&buf)
	if err != nil || got2 == nil {
		t.Fatalf("second frame: %v, %v", got2, err)
	}
	if got1.ID != f1.ID || got2.ID != f2.ID {
		t.Errorf("order = 0x%02X, 0x%02X; want 0x%02X, 0x%02X", got1.ID, got2.ID, f1.ID, f2.ID)
	}
	if len(buf) != 0 {
		t.Errorf("leftover %d bytes", len(buf))
	}
}

func TestTryParseChecksumMismatch(t *testing.T) {
	f := Frame{Type: TypeSRSP, Subsystem: SubsystemSYS, ID: 0x09, Payload: []byte{0x00, 0x11, 0x22}}
	raw, _ := Encode(f)

	for i := headerLen; i < headerLen+len(f.Payload); i++ {
		buf := bytes.Clone(raw)
		buf[i] ^= 0x40
		got, err := TryParse(&buf)
		if got != nil {
			t.Fatalf("corrupt byte %d: frame accepted", i)
		}
		if !errors.Is(err, ErrChecksum) || !errors.Is(err, ErrFraming) {
			t.Fatalf("corrupt byte %d: err = %v, want framing checksum error", i, err)
		}
		if len(buf) != len(raw) {
			t.Errorf("corrupt byte %d: TryParse consumed %d bytes", i, len(raw)-len(buf))
		}
		Resync(&buf)
		if len(buf) != 0 {
			t.Errorf("corrupt byte %d: % X left after resync", i, buf)
		}
	}
}

func TestTryParseBadLength(t *testing.T) {
	buf := []byte{SOF, MaxPayload + 1, 0x61, 0x01}
	_, err := TryParse(&buf)
	if !errors.Is(err, ErrBadLength) || !errors.Is(err, ErrFraming) {
		t.Fatalf("err = %v, want bad length framing error", err)
	}
	if len(buf) != 4 {
		t.Errorf("TryParse consumed bytes on a bad length")
	}
}

// drain parses buf the way the transport read loop does.
func drain(buf []byte) ([]Frame, []byte) {
	var frames []Frame
	for {
		f, err := TryParse(&buf)
		if err != nil {
			Resync(&buf)
			continue
		}
		if f == nil {
			return frames, buf
		}
		frames = append(frames, *f)
	}
}

func TestTryParseRecoversFromNoise(t *testing.T) {
	pingRsp := Frame{Type: TypeSRSP, Subsystem: SubsystemSYS, ID: cmdSysPing, Payload: []byte{0x59, 0x06}}
	nvRsp := Frame{Type: TypeSRSP, Subsystem: SubsystemSYS, ID: cmdSysNvLength, Payload: []byte{0x02, 0x00}}
	resetInd := Frame{Type: TypeAREQ, Subsystem: SubsystemSYS, ID: cmdSysResetInd, Payload: []byte{0, 2, 1, 2, 7, 1}}
	var valid []byte
	for _, f := range []Frame{pingRsp, nvRsp, resetInd} {
		raw, err := Encode(f)
		if err != nil {
			t.Fatal(err)
		}
		valid = append(valid, raw...)
	}
	single, _ := Encode(pingRsp)

	tests := []struct {
		name  string
		noise []byte
		tail  []byte
		want  []uint8
	}{
		{"stray SOF", []byte{SOF}, single, []uint8{cmdSysPing}},
		{"stray SOF pair", []byte{SOF, SOF}, single, []uint8{cmdSysPing}},
		{"truncated header", []byte{SOF, 0x03, 0x21, 0x01}, valid, []uint8{cmdSysPing, cmdSysNvLength, cmdSysResetInd}},
		{"junk bytes", []byte{0x00, 0x13, 0x37}, valid, []uint8{cmdSysPing, cmdSysNvLength, cmdSysResetInd}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := append(bytes.Clone(tt.noise), tt.tail...)
			frames, rest := drain(in)
			if len(rest) != 0 {
				t.Errorf("leftover % X", rest)
			}
			if len(frames) != len(tt.want) {
				t.Fatalf("recovered %d frames, want %d", len(frames), len(tt.want))
			}
			for i, id := range tt.want {
				if frames[i].ID != id {
					t.Errorf("frame %d = %s, want id 0x%02X", i, frames[i], id)
				}
			}
		})
	}
}

func TestTryParseBadSOF(t *testing.T) {
	buf := []byte{0x00, 0x01, 0xFE}
	_, err := TryParse(&buf)
	if !errors.Is(err, ErrBadSOF) || !errors.Is(err, ErrFraming) {
		t.Fatalf("err = %v, want bad SOF framing error", err)
	}
	if dropped := Resync(&buf); dropped != 2 {
		t.Errorf("Resync dropped %d, want 2", dropped)
	}
	if len(buf) != 1 || buf[0] != SOF {
		t.Errorf("buffer after resync = % X", buf)
	}
}

func TestResyncWithoutSOF(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03}
	if dropped := Resync(&buf); dropped != 3 {
		t.Errorf("dropped %d, want 3", dropped)
	}
	if len(buf) != 0 {
		t.Errorf("buffer = % X, want empty", buf)
	}
}

func TestTryParseEmptyAndShort(t *testing.T) {
	for _, in := range [][]byte{nil, {SOF}, {SOF, 0x02, 0x21}, {SOF, 0x02, 0x21, 0x13, 0x82}} {
		buf := bytes.Clone(in)
		got, err := TryParse(&buf)
		if got != nil || err != nil {
			t.Errorf("TryParse(% X) = %v, %v; want need-more", in, got, err)
		}
		if len(buf) != len(in) {
			t.Errorf("TryParse(% X) consumed bytes", in)
		}
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	_, err := Encode(Frame{Type: TypeSREQ, Subsystem: SubsystemSYS, ID: 1, Payload: make([]byte, MaxPayload+1)})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestCommandMatches(t *testing.T) {
	reset := sysResetReq(true)
	ping := sysPing()
	tests := []struct {
		name string
		cmd  Command
		f    Frame
		want bool
	}{
		{"SREQ matches SRSP", ping, Frame{Type: TypeSRSP, Subsystem: SubsystemSYS, ID: cmdSysPing}, true},
		{"SREQ ignores AREQ", ping, Frame{Type: TypeAREQ, Subsystem: SubsystemSYS, ID: cmdSysPing}, false},
		{"SREQ ignores other id", ping, Frame{Type: TypeSRSP, Subsystem: SubsystemSYS, ID: cmdSysVersion}, false},
		{"SREQ ignores other subsystem", ping, Frame{Type: TypeSRSP, Subsystem: SubsystemUTIL, ID: cmdSysPing}, false},
		{"AREQ matches response id", reset, Frame{Type: TypeAREQ, Subsystem: SubsystemSYS, ID: cmdSysResetInd}, true},
		{"AREQ ignores own id", reset, Frame{Type: TypeAREQ, Subsystem: SubsystemSYS, ID: cmdSysResetReq}, false},
		{"AREQ ignores SRSP", reset, Frame{Type: TypeSRSP, Subsystem: SubsystemSYS, ID: cmdSysResetInd}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.Matches(tt.f); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
	if !reset.IsReset() || ping.IsReset() {
		t.Error("IsReset misclassifies commands")
	}
}

func TestCommandPayloads(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want []byte
	}{
		{"nv read short", sysNvRead(ItemNwkKey, 10), []byte{0x82, 0x00, 10}},
		{"nv read ext", sysNvRead(ItemNwkKey, 300), []byte{0x82, 0x00, 0x2C, 0x01}},
		{"nv write ext", sysNvWriteExt(ItemPanID, 2, []byte{0xAA}), []byte{0x83, 0x00, 0x02, 0x00, 0x01, 0x00, 0xAA}},
		{"nv item init", sysNvItemInit(ItemPanID, 2, []byte{0x62, 0x1A}), []byte{0x83, 0x00, 0x02, 0x00, 0x02, 0x62, 0x1A}},
		{"nv delete", sysNvDelete(ItemNIB, 110), []byte{0x21, 0x00, 110, 0x00}},
		{"reset soft", sysResetReq(true), []byte{1}},
		{"bdb channel", appCnfBdbSetChannel(true, 0x00001000), []byte{1, 0x00, 0x10, 0x00, 0x00}},
		{"bdb start", appCnfBdbStartCommissioning(CommissioningNetworkFormation), []byte{0x04}},
		{"sapi write", sapiWriteConfiguration(ConfPropPrecfgKeys, []byte{1, 2}), []byte{0x62, 2, 1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.cmd.Payload, tt.want) {
				t.Errorf("payload = % X, want % X", tt.cmd.Payload, tt.want)
			}
		})
	}
	if c := sysNvRead(ItemNwkKey, 300); c.ID != cmdSysNvReadExt {
		t.Errorf("offset 300 uses cmd 0x%02X, want READ_EXT", c.ID)
	}
}

func TestChannelMask(t *testing.T) {
	tests := []struct {
		channels []uint8
		want     uint32
		wantErr  bool
	}{
		{[]uint8{11}, 0x00000800, false},
		{[]uint8{26}, 0x04000000, false},
		{[]uint8{11, 15, 20, 25}, 0x02108800, false},
		{nil, 0, false},
		{[]uint8{10}, 0, true},
		{[]uint8{27}, 0, true},
	}
	for _, tt := range tests {
		got, err := ChannelMask(tt.channels)
		if (err != nil) != tt.wantErr {
			t.Errorf("ChannelMask(%v) err = %v", tt.channels, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ChannelMask(%v) = 0x%08X, want 0x%08X", tt.channels, got, tt.want)
		}
	}
}

func TestParseConnectionURI(t *testing.T) {
	tests := []struct {
		in      string
		want    ConnectionURI
		wantErr bool
	}{
		{"tcp://192.168.1.10:6638", ConnectionURI{Scheme: SchemeTCP, Host: "192.168.1.10", Port: 6638}, false},
		{"tcp://zigbee.local:1234", ConnectionURI{Scheme: SchemeTCP, Host: "zigbee.local", Port: 1234}, false},
		{"usb:///dev/ttyUSB0", ConnectionURI{Scheme: SchemeUSB, Device: "/dev/ttyUSB0"}, false},
		{"usb://dev/ttyUSB0", ConnectionURI{}, true},
		{"tcp://host", ConnectionURI{}, true},
		{"tcp://host:0", ConnectionURI{}, true},
		{"tcp://:80", ConnectionURI{}, true},
		{"serial:///dev/ttyACM0", ConnectionURI{}, true},
		{"/dev/ttyACM0", ConnectionURI{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseConnectionURI(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArgument) {
					t.Errorf("err = %v, want invalid argument", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestErrorChain(t *testing.T) {
	inner := nvStatusError("write at 0", ItemPanID, 0x0A)
	outer := CommissioningError("set pan id", inner)

	if !errors.Is(outer, ErrCommissioning) {
		t.Error("outer is not a commissioning error")
	}
	if !errors.Is(outer, ErrNvProtocol) {
		t.Error("nv protocol cause lost")
	}
	if errors.Is(outer, ErrTimeout) {
		t.Error("unexpected timeout match")
	}

	var e *Error
	if !errors.As(outer, &e) || e.Op != "set pan id" {
		t.Errorf("errors.As = %+v", e)
	}

	chain := Chain(outer)
	if len(chain) != 2 {
		t.Fatalf("chain = %q, want 2 entries", chain)
	}
	if chain[0] != "commissioning failed: set pan id" {
		t.Errorf("chain[0] = %q", chain[0])
	}
	if chain[1] != "nv protocol: write at 0 PANID(0x0083) (status 0x0A)" {
		t.Errorf("chain[1] = %q", chain[1])
	}
}

func TestParseVersionAndCapabilities(t *testing.T) {
	v, err := parseVersion(Frame{Payload: []byte{2, 1, 2, 7, 1, 0x2C, 0x2E, 0x34, 0x01}})
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsZStack3() || v.Major != 2 || v.Minor != 7 || v.Revision != 0x01342E2C {
		t.Errorf("version = %+v", v)
	}
	if fallbackVersion.IsZStack3() {
		t.Error("fallback version must be the 1.2 family")
	}

	caps, err := parseCapabilities(Frame{Payload: []byte{0x79, 0x01}})
	if err != nil {
		t.Fatal(err)
	}
	if !caps.Has(CapSYS) || !caps.Has(CapAPP) || caps.Has(CapMAC) {
		t.Errorf("caps = 0x%04X", uint16(caps))
	}

	if _, err := parseVersion(Frame{Payload: []byte{2}}); !errors.Is(err, ErrShortPayload) {
		t.Errorf("short version err = %v", err)
	}
}

func TestParseItemID(t *testing.T) {
	tests := []struct {
		in      string
		want    ItemID
		wantErr bool
	}{
		{"0x83", ItemPanID, false},
		{"131", ItemPanID, false},
		{"panid", ItemPanID, false},
		{"NWKKEY", ItemNwkKey, false},
		{"0x10000", 0, true},
		{"nope", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseItemID(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("%q: err = %v, want invalid argument", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%q = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}
