package hv

import "fmt"

// Legacy virtio-mmio register offsets (version 1 layout).
const (
	virtioMagicValue       = 0x000
	virtioVersion          = 0x004
	virtioDeviceID         = 0x008
	virtioVendorID         = 0x00c
	virtioHostFeatures     = 0x010
	virtioHostFeaturesSel  = 0x014
	virtioGuestFeatures    = 0x020
	virtioGuestFeaturesSel = 0x024
	virtioGuestPageSize    = 0x028
	virtioQueueSel         = 0x030
	virtioQueueNumMax      = 0x034
	virtioQueueNum         = 0x038
	virtioQueueAlign       = 0x03c
	virtioQueuePFN         = 0x040
	virtioQueueNotify      = 0x050
	virtioInterruptStatus  = 0x060
	virtioInterruptACK     = 0x064
	virtioStatus           = 0x070
	virtioConfigSpace      = 0x100

	virtioMagic = 0x74726976 // "virt"

	// VIRTIO_F_INDIRECT_DESC, masked off on the host-features read path.
	virtioFeatureIndirectDesc = 1 << 28

	// queueNumMaxCap clamps the advertised queue depth so a queue's
	// descriptor table always fits in one 4KiB page (256 * 16 bytes).
	queueNumMaxCap = 256

	maxQueues  = 4
	maxDevices = 8

	descriptorStride = 16
	addressFieldSize = 8
)

// VirtioQueue tracks one queue's guest- and host-physical base address and
// its configured size.
type VirtioQueue struct {
	GuestPA uint64
	HostPA  uint64
	Size    uint32
}

// ConfigSpace is implemented by a device-specific driver bound to a virtio
// slot; the transport forwards any access at offset >= 0x100 to it.
// Concrete drivers (BlockConfig, NetConfig, ConsoleConfig) live in
// virtio_devices.go.
type ConfigSpace interface {
	DeviceID() uint32
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
}

// VirtioSlot is one virtio-mmio device slot's transport state: the queue
// selector/registers and the bound device-specific driver.
type VirtioSlot struct {
	queueSel         uint32
	queues           [maxQueues]VirtioQueue
	status           uint32
	guestFeaturesSel uint32
	hostFeaturesSel  uint32

	Config ConfigSpace

	// RAM, GuestShift, RegisterQueuePage, and FlushShadow supply the
	// install-time context WriteAt needs for a QueuePFN write. Context wires
	// these once, at construction, the same way it wires UART.Now, rather
	// than threading them through Device's fixed signature.
	RAM               *MemoryRegion
	GuestShift        uint64
	RegisterQueuePage func(guestPage uint64, q VirtioQueue)
	FlushShadow       func() error
}

func (s *VirtioSlot) Size() uint64 { return VirtioSlotStride }

func (s *VirtioSlot) currentQueue() *VirtioQueue {
	if s.queueSel >= maxQueues {
		return nil
	}
	return &s.queues[s.queueSel]
}

// Read implements Device for a single slot's register bank.
func (s *VirtioSlot) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset == virtioMagicValue:
		return virtioMagic, nil
	case offset == virtioVersion:
		return 1, nil
	case offset == virtioDeviceID:
		if s.Config == nil {
			return 0, nil
		}
		return uint64(s.Config.DeviceID()), nil
	case offset == virtioVendorID:
		return 0x52564e54, nil // "RVNT"
	case offset == virtioHostFeatures:
		return 0, nil
	case offset == virtioQueueNumMax:
		return queueNumMaxCap, nil
	case offset == virtioQueuePFN:
		q := s.currentQueue()
		if q == nil {
			return 0, nil
		}
		return q.GuestPA >> 12, nil
	case offset == virtioInterruptStatus:
		return 0, nil
	case offset == virtioStatus:
		return uint64(s.status), nil
	case offset >= virtioConfigSpace:
		if s.Config == nil {
			return 0, nil
		}
		return s.Config.Read(offset-virtioConfigSpace, size)
	default:
		return 0, nil
	}
}

// Write implements Device, supplying the install-time context from the
// slot's wired fields.
func (s *VirtioSlot) Write(offset uint64, size int, value uint64) error {
	return s.WriteAt(offset, size, value, s.RAM, s.GuestShift, s.RegisterQueuePage, s.FlushShadow)
}

// WriteAt is the register bank's write half for a single slot. guestShift
// and ram let QueuePFN installs perform the descriptor-address rewrite;
// flushShadow is invoked after an install since the newly-mapped queue page
// must be visible to the shadow walker.
func (s *VirtioSlot) WriteAt(offset uint64, size int, value uint64, ram *MemoryRegion, guestShift uint64, registerQueuePage func(uint64, VirtioQueue), flushShadow func() error) error {
	switch {
	case offset == virtioGuestFeatures:
		// Feature negotiation accepted; VIRTIO_F_INDIRECT_DESC is masked on
		// the host-features read path, not here.
	case offset == virtioGuestFeaturesSel:
		s.guestFeaturesSel = uint32(value)
	case offset == virtioHostFeaturesSel:
		s.hostFeaturesSel = uint32(value)
	case offset == virtioGuestPageSize:
		// Legacy transport parameter; accepted, not otherwise consumed.
	case offset == virtioQueueSel:
		if value >= maxQueues {
			return fmt.Errorf("%w: queue selector %d out of range", ErrGuestUnresolvable, value)
		}
		s.queueSel = uint32(value)
	case offset == virtioQueueNum:
		q := s.currentQueue()
		if q == nil {
			return fmt.Errorf("%w: no queue selected", ErrGuestUnresolvable)
		}
		if q.GuestPA != 0 {
			return fmt.Errorf("%w: queue size changed after install", ErrGuestUnresolvable)
		}
		q.Size = uint32(value)
	case offset == virtioQueueAlign:
		// Legacy alignment parameter; accepted, not otherwise consumed.
	case offset == virtioQueuePFN:
		q := s.currentQueue()
		if q == nil {
			return fmt.Errorf("%w: no queue selected", ErrGuestUnresolvable)
		}
		if value == 0 {
			return fmt.Errorf("%w: releasing virtio queues is not supported", ErrGuestUnresolvable)
		}
		if err := s.installQueue(q, value<<12, guestShift, ram); err != nil {
			return err
		}
		if registerQueuePage != nil {
			registerQueuePage(q.GuestPA, *q)
		}
		if flushShadow != nil {
			if err := flushShadow(); err != nil {
				return err
			}
		}
	case offset == virtioQueueNotify:
		// Doorbell; actual ring processing is an out-of-scope collaborator
		// (no device-backend I/O in the transport).
	case offset == virtioInterruptACK:
		s.status &^= uint32(value) // best-effort; no interrupt-status bits are set by this transport
	case offset == virtioStatus:
		s.status = uint32(value)
	case offset >= virtioConfigSpace:
		if s.Config == nil {
			return fmt.Errorf("%w: no config-space driver bound", ErrGuestUnresolvable)
		}
		return s.Config.Write(offset-virtioConfigSpace, size, value)
	}
	return nil
}

// installQueue records the queue's guest-visible PFN, computes the host
// address, and rewrites every non-zero descriptor address field of the
// queue's first q.Size descriptors by adding guestShift, so the descriptor
// table the guest thinks it wrote is immediately consistent with the
// host-physical view. The rest of the page is left untouched, and a queue
// whose size is still zero has nothing rewritten.
func (s *VirtioSlot) installQueue(q *VirtioQueue, guestPA, guestShift uint64, ram *MemoryRegion) error {
	q.GuestPA = guestPA
	q.HostPA = guestPA + guestShift

	hostOffset := q.HostPA - RAMBase
	for i := uint32(0); i < q.Size; i++ {
		fieldOffset := hostOffset + uint64(i)*descriptorStride
		v, err := ram.Read(fieldOffset, 8)
		if err != nil {
			return fmt.Errorf("%w: queue descriptor out of RAM bounds", ErrGuestUnresolvable)
		}
		if v != 0 {
			if err := ram.Write(fieldOffset, 8, v+guestShift); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsQueueAddressField reports whether a guest physical address targets the
// 8-byte descriptor-address slot of a 16-byte descriptor stride within a
// registered queue page.
func IsQueueAddressField(guestPA uint64, q VirtioQueue) bool {
	if guestPA < q.GuestPA || guestPA >= q.GuestPA+uint64(q.Size)*descriptorStride {
		return false
	}
	return guestPA&0xf < addressFieldSize
}

// IsVirtioSlotAddress reports whether a host-physical address falls within
// the virtio-mmio transport's slot range.
func IsVirtioSlotAddress(addr uint64) bool {
	return addr >= VirtioMMIOBase && addr < VirtioMMIOBase+uint64(VirtioSlotCount)*VirtioSlotStride
}

var _ Device = (*VirtioSlot)(nil)
