package hv

import "testing"

func TestVirtioQueuePFNInstallRewritesDescriptorAddresses(t *testing.T) {
	ram := NewMemoryRegion(1 << 20)
	const guestShift = RAMBase // identity-style shift for the test

	// Seed one descriptor's address field (offset 0 within the descriptor)
	// at guest physical page 0x1000 (host offset 0x1000 since guestShift
	// cancels RAMBase here).
	descAddr := uint64(0x2000) // a guest-physical pointer the descriptor holds
	if err := ram.Write(0x1000, 8, descAddr); err != nil {
		t.Fatalf("seed descriptor: %v", err)
	}

	slot := &VirtioSlot{}
	slot.queues[0].Size = 1

	if err := slot.WriteAt(virtioQueueSel, 4, 0, ram, guestShift, nil, nil); err != nil {
		t.Fatalf("select queue: %v", err)
	}
	if err := slot.WriteAt(virtioQueuePFN, 4, 0x1000>>12, ram, guestShift, nil, nil); err != nil {
		t.Fatalf("install queue: %v", err)
	}

	got, err := ram.Read(0x1000, 8)
	if err != nil {
		t.Fatalf("read back descriptor: %v", err)
	}
	if want := descAddr + guestShift; got != want {
		t.Errorf("descriptor address: got 0x%x, want 0x%x", got, want)
	}

	if slot.queues[0].HostPA != 0x1000+guestShift {
		t.Errorf("HostPA: got 0x%x, want 0x%x", slot.queues[0].HostPA, 0x1000+guestShift)
	}
}

// TestEndToEndVirtioQueueInstallRewritesFourDescriptors verifies that
// installing PFN=0x40 on a size-4 queue rewrites every non-zero descriptor
// address field at guest PA 0x40000, leaving zero addresses alone.
func TestEndToEndVirtioQueueInstallRewritesFourDescriptors(t *testing.T) {
	ram := NewMemoryRegion(1 << 20)
	const guestShift = RAMBase
	const queueGPA = 0x40000

	addrs := [4]uint64{0, 0x41000, 0x42000, 0}
	for i, a := range addrs {
		if err := ram.Write(queueGPA+uint64(i)*descriptorStride, 8, a); err != nil {
			t.Fatalf("seed descriptor %d: %v", i, err)
		}
	}

	slot := &VirtioSlot{}
	if err := slot.WriteAt(virtioQueueSel, 4, 0, ram, guestShift, nil, nil); err != nil {
		t.Fatalf("select queue: %v", err)
	}
	if err := slot.WriteAt(virtioQueueNum, 4, 4, ram, guestShift, nil, nil); err != nil {
		t.Fatalf("set queue size: %v", err)
	}
	if err := slot.WriteAt(virtioQueuePFN, 4, queueGPA>>PageShift, ram, guestShift, nil, nil); err != nil {
		t.Fatalf("install queue: %v", err)
	}

	want := [4]uint64{0, 0x41000 + guestShift, 0x42000 + guestShift, 0}
	for i, w := range want {
		got, err := ram.Read(queueGPA+uint64(i)*descriptorStride, 8)
		if err != nil {
			t.Fatalf("read descriptor %d: %v", i, err)
		}
		if got != w {
			t.Errorf("descriptor %d address: got 0x%x, want 0x%x", i, got, w)
		}
	}
}

func TestVirtioQueuePFNInstallIsIdempotentOnRereads(t *testing.T) {
	ram := NewMemoryRegion(1 << 20)
	slot := &VirtioSlot{}
	slot.queues[0].Size = 1

	if err := slot.WriteAt(virtioQueuePFN, 4, 0x2000>>12, ram, RAMBase, nil, nil); err != nil {
		t.Fatalf("install: %v", err)
	}
	v, err := slot.Read(virtioQueuePFN, 4)
	if err != nil {
		t.Fatalf("read PFN: %v", err)
	}
	if v != 0x2000>>12 {
		t.Errorf("PFN readback: got 0x%x, want 0x%x", v, 0x2000>>12)
	}
}

func TestVirtioMagicVersionVendorID(t *testing.T) {
	slot := &VirtioSlot{Config: &BlockConfig{CapacitySectors: 2048}}

	magic, _ := slot.Read(virtioMagicValue, 4)
	if magic != virtioMagic {
		t.Errorf("magic: got 0x%x, want 0x%x", magic, virtioMagic)
	}
	version, _ := slot.Read(virtioVersion, 4)
	if version != 1 {
		t.Errorf("version: got %d, want 1", version)
	}
	devID, _ := slot.Read(virtioDeviceID, 4)
	if devID != VirtioDeviceIDBlock {
		t.Errorf("device id: got %d, want %d", devID, VirtioDeviceIDBlock)
	}
}

func TestVirtioConfigSpaceForwarding(t *testing.T) {
	cfg := &BlockConfig{CapacitySectors: 4096}
	slot := &VirtioSlot{Config: cfg}

	v, err := slot.Read(virtioConfigSpace, 8)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if v != 4096 {
		t.Errorf("capacity: got %d, want 4096", v)
	}
}

func TestVirtioQueueSelectorOutOfRangeRejected(t *testing.T) {
	ram := NewMemoryRegion(4096)
	slot := &VirtioSlot{}
	if err := slot.WriteAt(virtioQueueSel, 4, maxQueues, ram, 0, nil, nil); err == nil {
		t.Errorf("expected an error selecting an out-of-range queue")
	}
}

func TestIsQueueAddressFieldBoundaries(t *testing.T) {
	q := VirtioQueue{GuestPA: 0x1000, Size: 2}

	if !IsQueueAddressField(0x1000, q) {
		t.Errorf("first descriptor's address field should match")
	}
	if IsQueueAddressField(0x1000+8, q) {
		t.Errorf("first descriptor's length/flags field should not match")
	}
	if !IsQueueAddressField(0x1000+16, q) {
		t.Errorf("second descriptor's address field should match")
	}
	if IsQueueAddressField(0x1000+32, q) {
		t.Errorf("past the end of the queue should not match")
	}
}

func TestIsVirtioSlotAddressRange(t *testing.T) {
	if !IsVirtioSlotAddress(VirtioMMIOBase) {
		t.Errorf("base address should be in range")
	}
	if IsVirtioSlotAddress(VirtioMMIOBase + uint64(VirtioSlotCount)*VirtioSlotStride) {
		t.Errorf("address just past the last slot should not be in range")
	}
}
