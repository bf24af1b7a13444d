package znp

import (
	"context"
	"fmt"
)

func nvError(op string, id ItemID, cause error) *Error {
	return newError(KindNvProtocol, op, "", cause).withItem(id)
}

func nvStatusError(op string, id ItemID, status uint8) *Error {
	return newError(KindNvProtocol, op, "", nil).withItem(id).withStatus(status)
}

// ItemLength returns the stored size of an NV item; zero means it does not exist.
func (p *Processor) ItemLength(ctx context.Context, id ItemID) (uint16, error) {
	f, err := p.request(ctx, sysNvLength(id))
	if err != nil {
		return 0, nvError("length", id, err)
	}
	n, err := parseNvLength(f)
	if err != nil {
		return 0, nvError("length", id, err)
	}
	return n, nil
}

// ReadItem reads a whole NV item in chunks. A missing item reads as empty.
func (p *Processor) ReadItem(ctx context.Context, id ItemID) ([]byte, error) {
	length, err := p.ItemLength(ctx, id)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}

	data := make([]byte, 0, length)
	for len(data) < int(length) {
		offset := uint16(len(data))
		f, err := p.request(ctx, sysNvRead(id, offset))
		if err != nil {
			return nil, nvError(fmt.Sprintf("read at %d", offset), id, err)
		}
		status, chunk, err := parseNvRead(f)
		if err != nil {
			return nil, nvError(fmt.Sprintf("read at %d", offset), id, err)
		}
		if status != 0 {
			return nil, nvStatusError(fmt.Sprintf("read at %d", offset), id, status)
		}
		if len(chunk) == 0 {
			return nil, newError(KindNvProtocol, fmt.Sprintf("read at %d", offset), "empty chunk", nil).withItem(id)
		}
		data = append(data, chunk...)
	}
	return data[:length], nil
}

// WriteItem stores data in an NV item. A missing item is created when
// autoInit is set and is a misuse error otherwise. Data is sent in chunks of
// at most 240 bytes.
func (p *Processor) WriteItem(ctx context.Context, id ItemID, data []byte, autoInit bool) error {
	if len(data) == 0 || len(data) > 0xFFFF {
		return newError(KindInvalidArgument, "write", fmt.Sprintf("%d bytes", len(data)), nil).withItem(id)
	}
	length, err := p.ItemLength(ctx, id)
	if err != nil {
		return err
	}

	start := 0
	if length == 0 {
		if !autoInit {
			return newError(KindInvalidArgument, "write", "item does not exist and auto-initialize is off", nil).withItem(id)
		}
		first := data[:min(nvChunkSize, len(data))]
		if err := p.InitItem(ctx, id, uint16(len(data)), first); err != nil {
			return err
		}
		start = len(first)
	}
	return p.writeChunks(ctx, id, data, start)
}

func (p *Processor) writeChunks(ctx context.Context, id ItemID, data []byte, start int) error {
	remaining := len(data) - start
	for remaining > 0 {
		offset := len(data) - remaining
		n := min(nvChunkSize, remaining)
		op := fmt.Sprintf("write at %d", offset)

		f, err := p.request(ctx, sysNvWriteExt(id, uint16(offset), data[offset:offset+n]))
		if err != nil {
			return nvError(op, id, err)
		}
		status, err := parseStatus(f, op)
		if err != nil {
			return nvError(op, id, err)
		}
		if status != 0 {
			return nvStatusError(op, id, status)
		}
		remaining -= n
	}
	return nil
}

// InitItem creates an NV item of totalLen bytes seeded with chunk.
func (p *Processor) InitItem(ctx context.Context, id ItemID, totalLen uint16, chunk []byte) error {
	if len(chunk) > nvChunkSize {
		return newError(KindInvalidArgument, "init", fmt.Sprintf("chunk of %d bytes", len(chunk)), nil).withItem(id)
	}
	f, err := p.request(ctx, sysNvItemInit(id, totalLen, chunk))
	if err != nil {
		return nvError("init", id, err)
	}
	status, err := parseStatus(f, "init")
	if err != nil {
		return nvError("init", id, err)
	}
	if status != nvInitExisted && status != nvInitCreated {
		return nvStatusError("init", id, status)
	}
	return nil
}

// DeleteItem removes an NV item. Success and NoActionTaken both return a nil
// error; the status is returned either way.
func (p *Processor) DeleteItem(ctx context.Context, id ItemID) (NvDeleteStatus, error) {
	length, err := p.ItemLength(ctx, id)
	if err != nil {
		return 0, err
	}
	f, err := p.request(ctx, sysNvDelete(id, length))
	if err != nil {
		return 0, nvError("delete", id, err)
	}
	raw, err := parseStatus(f, "delete")
	if err != nil {
		return 0, nvError("delete", id, err)
	}
	status := NvDeleteStatus(raw)
	if !status.OK() {
		return status, newError(KindNvProtocol, "delete", status.String(), nil).withItem(id).withStatus(raw)
	}
	return status, nil
}
