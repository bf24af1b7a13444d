package adapter

import (
	"context"
	"fmt"
	"time"

	"znp-host/internal/store"
	"znp-host/internal/znp"
)

// BackupItems are the NV items saved by Backup: the commissioning items plus
// the network information block.
var BackupItems = append(append([]znp.ItemID(nil), znp.CommissioningItems...), znp.ItemNIB)

// Backup reads BackupItems from the coprocessor. Items that do not exist are
// left out.
func Backup(ctx context.Context, proc *znp.Processor, name string) (*store.Backup, error) {
	b := &store.Backup{Name: name, CreatedAt: time.Now()}
	if v, err := proc.Version(ctx, false); err == nil {
		b.Firmware = v.String()
	}
	for _, id := range BackupItems {
		data, err := proc.ReadItem(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("backup: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		b.Items = append(b.Items, store.BackupItem{ID: uint16(id), Data: data})
	}
	return b, nil
}

// Restore writes every item of b back. An existing item of a different size
// is deleted first since NV items cannot be resized in place.
func Restore(ctx context.Context, proc *znp.Processor, b *store.Backup) error {
	for _, item := range b.Items {
		id := znp.ItemID(item.ID)
		if len(item.Data) == 0 {
			continue
		}
		length, err := proc.ItemLength(ctx, id)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		if length != 0 && int(length) != len(item.Data) {
			if _, err := proc.DeleteItem(ctx, id); err != nil {
				return fmt.Errorf("restore: %w", err)
			}
		}
		if err := proc.WriteItem(ctx, id, item.Data, true); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	return nil
}
