package hv

// PLIC register offsets.
const (
	plicPriorityBase  = 0x000000
	plicPendingBase   = 0x001000
	plicEnableBase    = 0x002000
	plicEnableStride  = 0x80
	plicContextBase   = 0x200000
	plicContextStride = 0x1000

	plicMaxSources = 512
	plicContexts   = 2 // 0 = M-mode context, 1 = the single virtual S-mode context

	// uartIRQ is the PLIC source the UART model asserts.
	uartIRQ = 10

	// sContext is the only context the guest's S-mode ever observes.
	sContext = 1
)

// PLIC is the virtual platform-level interrupt controller.
type PLIC struct {
	priority  [plicMaxSources]uint32
	pending   [plicMaxSources/32 + 1]uint32
	enable    [plicContexts][plicMaxSources/32 + 1]uint32
	threshold [plicContexts]uint32
	claimed   [plicContexts]uint32

	// OnComplete is invoked whenever a completion write clears the S-mode
	// context's claim latch, so the caller can clear the live SEIP bit
	// immediately instead of waiting for it to fall out of the next
	// interrupt-injection pass.
	OnComplete func()
}

// NewPLIC returns an idle PLIC with everything masked and no IRQ pending.
func NewPLIC() *PLIC {
	return &PLIC{}
}

func (p *PLIC) Size() uint64 {
	return PLICSize
}

func (p *PLIC) pendingBit(irq int) bool {
	return p.pending[irq/32]&(1<<(uint(irq)%32)) != 0
}

func (p *PLIC) setPendingBit(irq int, v bool) {
	if v {
		p.pending[irq/32] |= 1 << (uint(irq) % 32)
	} else {
		p.pending[irq/32] &^= 1 << (uint(irq) % 32)
	}
}

func (p *PLIC) enabledBit(ctx, irq int) bool {
	return p.enable[ctx][irq/32]&(1<<(uint(irq)%32)) != 0
}

// SetPending raises or lowers the pending bit for an interrupt source, as
// called by device models (the UART's periodic timer tick, for instance).
func (p *PLIC) SetPending(irq int, pending bool) {
	if irq <= 0 || irq >= plicMaxSources {
		return
	}
	p.setPendingBit(irq, pending)
}

// claim scans every pending, enabled source above threshold for the given
// context and returns the one with strictly greatest priority, clearing its
// pending bit and latching it into claimed. A second read before completion
// returns the cached latch instead of rescanning.
func (p *PLIC) claim(ctx int) uint32 {
	if p.claimed[ctx] != 0 {
		return p.claimed[ctx]
	}

	var best uint32
	var bestPriority uint32
	for irq := 1; irq < plicMaxSources; irq++ {
		if !p.pendingBit(irq) || !p.enabledBit(ctx, irq) {
			continue
		}
		prio := p.priority[irq]
		if prio <= p.threshold[ctx] {
			continue
		}
		if prio > bestPriority {
			bestPriority = prio
			best = uint32(irq)
		}
	}

	if best != 0 {
		p.setPendingBit(int(best), false)
		p.claimed[ctx] = best
	}
	return best
}

// complete clears the claim latch for ctx if value matches it, and reports
// whether the S-mode external-interrupt-pending bit should now be cleared.
func (p *PLIC) complete(ctx int, value uint32) (clearSEIP bool) {
	if p.claimed[ctx] == value {
		p.claimed[ctx] = 0
		return ctx == sContext
	}
	return false
}

// InterruptPending implements the Interrupt-pending predicate for the
// single S-mode context: true iff any pending source that is enabled for
// the S-context has priority strictly greater than the S-context threshold.
func (p *PLIC) InterruptPending() bool {
	for irq := 1; irq < plicMaxSources; irq++ {
		if !p.pendingBit(irq) || !p.enabledBit(sContext, irq) {
			continue
		}
		if p.priority[irq] > p.threshold[sContext] {
			return true
		}
	}
	return false
}

// Read implements Device.
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset < plicPendingBase:
		irq := offset / 4
		if irq >= plicMaxSources {
			return 0, nil
		}
		return uint64(p.priority[irq]), nil

	case offset >= plicPendingBase && offset < plicPendingBase+uint64(len(p.pending))*4:
		idx := (offset - plicPendingBase) / 4
		return uint64(p.pending[idx]), nil

	case offset >= plicEnableBase && offset < plicContextBase:
		ctx, word, ok := p.decodeEnable(offset)
		if !ok {
			return 0, nil
		}
		return uint64(p.enable[ctx][word]), nil

	case offset >= plicContextBase:
		ctx, reg, ok := p.decodeContext(offset)
		if !ok {
			return 0, nil
		}
		if reg == 0 {
			return uint64(p.threshold[ctx]), nil
		}
		return uint64(p.claim(ctx)), nil
	}

	return 0, nil
}

// Write implements Device.
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset < plicPendingBase:
		irq := offset / 4
		if irq < plicMaxSources {
			p.priority[irq] = uint32(value)
		}

	case offset >= plicPendingBase && offset < plicPendingBase+uint64(len(p.pending))*4:
		// Pending bits are derived state; writes are ignored.

	case offset >= plicEnableBase && offset < plicContextBase:
		ctx, word, ok := p.decodeEnable(offset)
		if ok {
			p.enable[ctx][word] = uint32(value)
		}

	case offset >= plicContextBase:
		ctx, reg, ok := p.decodeContext(offset)
		if ok {
			if reg == 0 {
				p.threshold[ctx] = uint32(value)
			} else if clearSEIP := p.complete(ctx, uint32(value)); clearSEIP && p.OnComplete != nil {
				p.OnComplete()
			}
		}
	}

	return nil
}

func (p *PLIC) decodeEnable(offset uint64) (ctx int, word uint64, ok bool) {
	rel := offset - plicEnableBase
	ctx = int(rel / plicEnableStride)
	if ctx >= plicContexts {
		return 0, 0, false
	}
	word = (rel % plicEnableStride) / 4
	if word >= uint64(len(p.enable[ctx])) {
		return 0, 0, false
	}
	return ctx, word, true
}

func (p *PLIC) decodeContext(offset uint64) (ctx int, reg uint64, ok bool) {
	rel := offset - plicContextBase
	ctx = int(rel / plicContextStride)
	if ctx >= plicContexts {
		return 0, 0, false
	}
	reg = (rel % plicContextStride) / 4
	return ctx, reg, true
}

var _ Device = (*PLIC)(nil)
