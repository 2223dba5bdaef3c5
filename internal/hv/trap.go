package hv

import "fmt"

const stvecModeMask = 0x3

// TrapOutcome tells the caller what the dispatcher decided should happen
// to the real hart: resume the guest (with real satp/pc already computed),
// or halt (a non-nil error is always returned alongside Halt: a *FatalError
// for a trap taken inside the hypervisor, otherwise the wrapped error from
// fault resolution or instruction emulation).
type TrapOutcome int

const (
	TrapResumeGuest TrapOutcome = iota
	TrapHalt
)

// HandleTrap is the root trap entry point: it classifies scause, dispatches
// to the page-fault handler, the privileged instruction emulator, or the
// SBI surface, and reports the shadow root and real PC the hart should
// resume at.
//
// sepc and stval are the values the hardware trap delivered; the caller is
// responsible for having already saved the guest's GPRs into c.Regs. The
// returned resumePC is a guest program counter: sepc itself when the
// faulting instruction is to be retried, sepc advanced past an emulated
// instruction, the guest's saved sepc for an emulated sret, or a target
// derived from the guest's stvec for a forwarded trap.
func (c *Context) HandleTrap(scause, sepc, stval uint64) (outcome TrapOutcome, root ShadowRoot, resumePC uint64, err error) {
	if c.CSR.Sstatus&StatusSPP != 0 {
		return TrapHalt, 0, 0, &FatalError{
			Category: FatalTrapFromHypervisor,
			Cause:    scause,
			Sepc:     sepc,
			Reason:   "trap taken while the hypervisor itself was executing in S-mode",
		}
	}

	resumePC = sepc

	if scause&causeInterruptBit != 0 {
		// Interrupts are delivered exclusively by InjectInterrupts on the
		// way back to the guest; a trap classified as an interrupt here
		// reflects a spurious or already-delivered event.
		return TrapResumeGuest, c.CSR.SelectShadow(c.SMode), resumePC, nil
	}

	switch scause {
	case CauseInsnPageFault, CauseLoadPageFault, CauseStorePageFault:
		resumePC, err = c.handlePageFault(scause, sepc, stval)

	case CauseIllegalInsn:
		if !c.SMode {
			resumePC = c.forwardException(scause, sepc, stval)
		} else {
			resumePC, err = c.handleIllegalInstruction(sepc)
		}

	case CauseEcallFromU, CauseEcallFromS:
		resumePC = c.handleEcall(sepc)

	default:
		resumePC = c.forwardException(scause, sepc, stval)
	}

	if err != nil {
		return TrapHalt, 0, 0, err
	}
	return TrapResumeGuest, c.CSR.SelectShadow(c.SMode), resumePC, nil
}

// forwardException implements the forward-exception protocol: push SIE,
// record the fault in the shadow CSR file, enter S-mode, and redirect to
// stvec. Returns the real PC to resume at.
func (c *Context) forwardException(cause, faultPC, stval uint64) uint64 {
	c.CSR.PushSIE()
	c.CSR.Sepc = faultPC
	c.CSR.Scause = cause
	if c.SMode {
		c.CSR.Sstatus |= StatusSPP
	} else {
		c.CSR.Sstatus &^= StatusSPP
	}
	c.CSR.Stval = stval
	c.SMode = true
	c.NoInterruptHint = false
	return trapTarget(c.CSR.Stvec, cause)
}

// forwardInterrupt implements the forward-interrupt protocol: identical to
// forwardException but with stval cleared.
func (c *Context) forwardInterrupt(cause, currentPC uint64) uint64 {
	return c.forwardException(cause|causeInterruptBit, currentPC, 0)
}

// trapTarget resolves the real target PC for a forwarded trap: stvec's
// base in direct mode, or base+4*cause in vectored mode.
func trapTarget(stvec, cause uint64) uint64 {
	base := stvec &^ stvecModeMask
	if stvec&stvecModeMask == 1 {
		return base + 4*(cause&0xff)
	}
	return base
}

// handlePageFault resolves a page fault end to end, including the
// MMIO-emulated case, which decodes and performs the load/store itself.
// Returns the real PC to resume at.
func (c *Context) handlePageFault(scause, faultPC, stval uint64) (uint64, error) {
	var class AccessClass
	switch scause {
	case CauseInsnPageFault:
		class = AccessExecute
	case CauseLoadPageFault:
		class = AccessLoad
	case CauseStorePageFault:
		class = AccessStore
	}

	outcome, err := c.Shadow.HandlePageFault(c.CSR, c.SMode, stval, class)
	if err != nil {
		return 0, err
	}

	switch outcome {
	case FaultResolved:
		return faultPC, nil // shadow PTE now installed; re-execute the same instruction
	case FaultForwardToGuest:
		return c.forwardException(scause, faultPC, stval), nil
	case FaultMMIOEmulated:
		return c.emulateMMIOAccess(class, faultPC, stval)
	default:
		return 0, &FatalError{Category: FatalDecodeFailure, Sepc: faultPC, Reason: "unknown page fault outcome"}
	}
}

// emulateMMIOAccess decodes the faulting instruction at faultPC, performs
// the emulated side effect against the MMIO device reached at stval,
// writes any result to the saved register frame, and returns faultPC
// advanced past the instruction. If decode fails, forwards an
// illegal-instruction fault.
//
// A store or load whose address falls on a registered virtio queue's
// descriptor-address field goes through TranslateQueuePointer instead of a
// plain bus access, since the field holds a pointer whose guest-physical
// and host-physical forms differ by GuestShift.
func (c *Context) emulateMMIOAccess(class AccessClass, faultPC, stval uint64) (uint64, error) {
	hostPC, err := c.translateFetch(faultPC)
	if err != nil {
		return 0, err
	}
	insn, length, err := c.Bus.FetchInstruction(hostPC)
	if err != nil {
		return 0, fmt.Errorf("%w: fetch at sepc for MMIO emulation", ErrGuestUnresolvable)
	}

	queuePage, isQueuePage := c.Shadow.QueuePages[stval&^(PageSize-1)]
	isQueuePtrField := isQueuePage && IsQueueAddressField(stval, queuePage)

	if class == AccessLoad {
		load, ok := DecodeLoad(insn)
		if !ok {
			return c.forwardException(CauseIllegalInsn, faultPC, uint64(insn)), nil
		}
		raw, err := c.Bus.Read(stval, load.Width.Size)
		if err != nil {
			return 0, fmt.Errorf("%w: MMIO load", ErrGuestUnresolvable)
		}
		value := raw
		switch {
		case isQueuePtrField:
			value, err = c.Shadow.TranslateQueuePointer(raw, false)
			if err != nil {
				return 0, err
			}
		case load.Width.Signed:
			value = uint64(signExtend(raw, load.Width.Size*8))
		}
		c.SetRegister(load.Rd, value)
	} else {
		store, ok := DecodeStore(insn)
		if !ok {
			return c.forwardException(CauseIllegalInsn, faultPC, uint64(insn)), nil
		}
		value := c.GetRegister(store.Rs2)
		if isQueuePtrField {
			value, err = c.Shadow.TranslateQueuePointer(value, true)
			if err != nil {
				return 0, err
			}
		}
		if err := c.Bus.Write(stval, store.Size, value); err != nil {
			return 0, fmt.Errorf("%w: MMIO store", ErrGuestUnresolvable)
		}
	}

	return faultPC + uint64(length), nil
}

// translateFetch resolves a guest PC to the host-physical address its
// instruction bytes live at. Under Sv39 paging, sepc/faultPC is a guest
// virtual address, not a host-physical bus address, so fetching the
// trapping instruction for MMIO/CSR/sret emulation first needs the same
// translation the MMU applied when it originally fetched it: a shadow-table
// lookup, since the page must already have been shadow-mapped executable
// for the fetch to have happened at all. The guest-table walk is a fallback
// for the bare-satp case and the unlikely case the shadow entry was
// flushed between the original fetch and this re-fetch.
func (c *Context) translateFetch(pc uint64) (uint64, error) {
	which := c.CSR.SelectShadow(c.SMode)
	if which == ShadowMPA {
		return pc + c.Shadow.GuestShift, nil
	}

	if pte, ok := c.Shadow.Root(which).Lookup(pc); ok {
		return ((pte >> ppnShift) << PageShift) | (pc & (PageSize - 1)), nil
	}

	walk, err := c.Shadow.walkGuestPageTable(c.CSR.Satp, pc)
	if err != nil {
		return 0, fmt.Errorf("%w: guest fetch address translation", ErrGuestUnresolvable)
	}
	return ((walk.ppn << PageShift) | (pc & (PageSize - 1))) + c.Shadow.GuestShift, nil
}

// handleIllegalInstruction implements the illegal-instruction emulation
// table: sret, sfence.vma, and the CSR forms; anything else is forwarded
// to the guest as a genuine illegal instruction. Returns the real PC to
// resume at.
func (c *Context) handleIllegalInstruction(faultPC uint64) (uint64, error) {
	hostPC, err := c.translateFetch(faultPC)
	if err != nil {
		return 0, err
	}
	insn, length, err := c.Bus.FetchInstruction(hostPC)
	if err != nil {
		return 0, fmt.Errorf("%w: fetch at sepc for illegal-instruction emulation", ErrGuestUnresolvable)
	}

	op, csr := DecodePrivileged(insn, c.GetRegister)
	switch op {
	case OpSret:
		c.CSR.PopSIE()
		c.SMode = c.CSR.Sstatus&StatusSPP != 0
		c.CSR.Sstatus &^= StatusSPP
		return c.CSR.Sepc, nil

	case OpSfenceVMA:
		if err := c.Shadow.Flush(); err != nil {
			return 0, err
		}
		return faultPC + uint64(length), nil

	case OpCSRRW, OpCSRRS, OpCSRRC:
		return c.emulateCSR(op, csr, faultPC, length)

	default:
		return c.forwardException(CauseIllegalInsn, faultPC, uint64(insn)), nil
	}
}

// emulateCSR performs the read-modify-write a csrrw/csrrs/csrrc(i) would
// have done against real hardware, against the shadow CSR file instead.
func (c *Context) emulateCSR(op PrivilegedOp, d DecodedCSR, faultPC uint64, length int) (uint64, error) {
	old, ok := c.CSR.GetCSR(d.CSR, c.SMode)
	if !ok {
		return c.forwardException(CauseIllegalInsn, faultPC, 0), nil
	}

	var writeVal uint64
	doWrite := true
	switch op {
	case OpCSRRW:
		writeVal = d.Value
	case OpCSRRS:
		writeVal = old | d.Value
		doWrite = !d.SkipWrite
	case OpCSRRC:
		writeVal = old &^ d.Value
		doWrite = !d.SkipWrite
	}

	if doWrite {
		var flushErr error
		if !c.CSR.SetCSR(d.CSR, writeVal, &c.NoInterruptHint, func() { flushErr = c.Shadow.Flush() }) {
			return c.forwardException(CauseIllegalInsn, faultPC, 0), nil
		}
		if flushErr != nil {
			return 0, flushErr
		}
	}

	c.SetRegister(d.Rd, old)
	return faultPC + uint64(length), nil
}

// handleEcall implements the minimal SBI surface:
// a7=1 is putchar(a0); everything else is forwarded to the guest. Returns
// the real PC to resume at.
func (c *Context) handleEcall(faultPC uint64) uint64 {
	const a0, a7 = 10, 17
	const sbiLegacyPutchar = 1

	if c.GetRegister(a7) == sbiLegacyPutchar {
		if c.UART.Sink != nil {
			_, _ = c.UART.Sink.Write([]byte{byte(c.GetRegister(a0))})
		}
		c.SetRegister(a0, 0)
		return faultPC + 4
	}

	cause := uint64(CauseEcallFromU)
	if c.SMode {
		cause = CauseEcallFromS
	}
	return c.forwardException(cause, faultPC, 0)
}

// InjectInterrupts recomputes the virtual sip bits from live device state,
// and if an enabled, unmasked interrupt is now pending, forwards it to the
// guest. Skipped entirely when NoInterruptHint is set, since nothing has
// changed that could newly enable one. Returns the real PC to resume at
// (unchanged from current if nothing was injected).
func (c *Context) InjectInterrupts(currentPC uint64) uint64 {
	if c.NoInterruptHint {
		return currentPC
	}

	sip := c.CSR.Sip & IPSSIP
	if c.CLINT.Mtime() >= c.CSR.Mtimecmp {
		sip |= IPSTIP
	}
	if c.PLIC.InterruptPending() {
		sip |= IPSEIP
	}
	c.CSR.Sip = sip

	pending := c.CSR.Sip & c.CSR.Sie
	globallyEnabled := !c.SMode || c.CSR.Sstatus&StatusSIE != 0
	if pending == 0 || !globallyEnabled {
		c.NoInterruptHint = true
		return currentPC
	}

	return c.forwardInterrupt(highestPriorityInterrupt(pending), currentPC)
}

// highestPriorityInterrupt picks among pending&sie per the conventional
// priority order: external, software, timer.
func highestPriorityInterrupt(pending uint64) uint64 {
	switch {
	case pending&IPSEIP != 0:
		return InterruptSupervisorExternal
	case pending&IPSSIP != 0:
		return InterruptSupervisorSoftware
	default:
		return InterruptSupervisorTimer
	}
}
