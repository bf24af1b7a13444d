package adapter

import (
	"bytes"
	"testing"
	"time"

	"znp-host/internal/store"
	"znp-host/internal/znp"
	"znp-host/internal/znp/znptest"
)

func TestBackupAndRestore(t *testing.T) {
	src := znptest.New()
	src.SetItem(znp.ItemPanID, []byte{0x62, 0x1A})
	src.SetItem(znp.ItemNIB, bytes.Repeat([]byte{0x5A}, 116))
	a := newTestAdapter(t, src, time.Second)
	ctx := testContext(t)
	if err := a.Processor().Connect(ctx); err != nil {
		t.Fatal(err)
	}

	b, err := Backup(ctx, a.Processor(), "nightly")
	if err != nil {
		t.Fatal(err)
	}
	// NWKKEY exists by default in the fake, plus the two items set above.
	if len(b.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(b.Items))
	}
	if b.Firmware == "" {
		t.Error("firmware not recorded")
	}

	dst := znptest.New()
	dst.SetItem(znp.ItemPanID, []byte{0x00, 0x00, 0x00})
	a2 := newTestAdapter(t, dst, time.Second)
	if err := a2.Processor().Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := Restore(ctx, a2.Processor(), b); err != nil {
		t.Fatal(err)
	}

	for _, item := range b.Items {
		got, ok := dst.Item(znp.ItemID(item.ID))
		if !ok || !bytes.Equal(got, item.Data) {
			t.Errorf("%s = % X", znp.ItemID(item.ID), got)
		}
	}
	if n := len(dst.RequestsFor(znp.SubsystemSYS, 0x12)); n != 1 {
		t.Errorf("delete requests = %d, want 1 for the resized item", n)
	}
}

func TestRestoreSkipsEmptyItems(t *testing.T) {
	dev := znptest.New()
	a := newTestAdapter(t, dev, time.Second)
	ctx := testContext(t)
	if err := a.Processor().Connect(ctx); err != nil {
		t.Fatal(err)
	}

	b := &store.Backup{Name: "x", Items: []store.BackupItem{{ID: uint16(znp.ItemPanID)}}}
	if err := Restore(ctx, a.Processor(), b); err != nil {
		t.Fatal(err)
	}
	if n := len(dev.Requests()); n != 0 {
		t.Errorf("%d requests for an empty backup item", n)
	}
}
