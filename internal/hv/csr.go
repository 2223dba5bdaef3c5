package hv

// CSR numbers the shadow file recognizes, matching the RISC-V privileged
// spec's supervisor-mode assignments.
const (
	csrSstatus  = 0x100
	csrSedeleg  = 0x102
	csrSideleg  = 0x103
	csrSie      = 0x104
	csrStvec    = 0x105
	csrScounter = 0x106
	csrSscratch = 0x140
	csrSepc     = 0x141
	csrScause   = 0x142
	csrStval    = 0x143
	csrSip      = 0x144
	csrSatp     = 0x180
	csrTime     = 0xc01
)

// sstatus/sie/sip bit positions this core tracks.
const (
	StatusSIE  = 1 << 1
	StatusSPIE = 1 << 5
	StatusSPP  = 1 << 8
	StatusFS   = 3 << 13
	StatusSUM  = 1 << 18
	StatusMXR  = 1 << 19
	StatusSD   = 1 << 63

	sstatusWritableMask = StatusMXR | StatusSUM | StatusFS | StatusSPP | StatusSPIE | StatusSIE
	sstatusDynamicMask  = StatusSD | StatusFS

	IPSSIP = 1 << 1
	IPSTIP = 1 << 5
	IPSEIP = 1 << 9

	IESSIE = 1 << 1
	IESTIE = 1 << 5
	IESEIE = 1 << 9

	satpModeMask = 0xf << 60
	satpModeBare = 0
	satpModeSv39 = 8 << 60
	satpASIDMask = 0xffff << 44
)

// HardwareSstatus abstracts the live, physical sstatus register: reads of
// the shadow sstatus re-read SD/FS from hardware, and a change to the
// guest-visible FS bits is the one truly physical write this core
// performs on the guest's behalf.
type HardwareSstatus interface {
	ReadSstatus() uint64
	WriteSstatusFS(value uint64)
}

// nullHardwareSstatus is used when the core isn't driving real S-mode
// hardware (tests, and any host that doesn't expose FS/SD dynamically).
type nullHardwareSstatus struct{}

func (nullHardwareSstatus) ReadSstatus() uint64     { return 0 }
func (nullHardwareSstatus) WriteSstatusFS(v uint64) {}

// ControlRegisters is the shadow S-mode CSR file for one guest hart.
type ControlRegisters struct {
	Sstatus  uint64
	Sie      uint64
	Sip      uint64
	Stvec    uint64
	Sscratch uint64
	Sepc     uint64
	Scause   uint64
	Stval    uint64
	Satp     uint64
	Mtimecmp uint64

	HW         HardwareSstatus
	timeSource func() uint64
}

// NewControlRegisters returns a zeroed shadow CSR file with mtimecmp
// initialized so the guest never spuriously observes a pending timer
// interrupt before it has installed a compare value.
func NewControlRegisters() *ControlRegisters {
	return &ControlRegisters{
		Mtimecmp: ^uint64(0),
		HW:       nullHardwareSstatus{},
	}
}

func (c *ControlRegisters) hw() HardwareSstatus {
	if c.HW == nil {
		return nullHardwareSstatus{}
	}
	return c.HW
}

// WithTimeSource wires the CLINT's mtime reader in, so `time` CSR reads
// return the host monotonic timer.
func (c *ControlRegisters) WithTimeSource(fn func() uint64) {
	c.timeSource = fn
}

func (c *ControlRegisters) hostTime() uint64 {
	if c.timeSource == nil {
		return 0
	}
	return c.timeSource()
}

// GetCSR reads csr, returning (value, true) on success. Any other CSR
// number reports failure, which the trap dispatcher turns into an
// illegal-instruction fault forwarded to the guest.
func (c *ControlRegisters) GetCSR(csr uint32, smode bool) (uint64, bool) {
	switch uint64(csr) {
	case csrSstatus:
		real := c.hw().ReadSstatus()
		c.Sstatus = (c.Sstatus &^ sstatusDynamicMask) | (real & sstatusDynamicMask)
		return c.Sstatus, true
	case csrSatp:
		return c.Satp, true
	case csrSie:
		return c.Sie, true
	case csrStvec:
		return c.Stvec, true
	case csrSscratch:
		return c.Sscratch, true
	case csrSepc:
		return c.Sepc, true
	case csrScause:
		return c.Scause, true
	case csrStval:
		return c.Stval, true
	case csrSip:
		return c.Sip, true
	case csrSedeleg, csrSideleg, csrScounter:
		return 0, true
	case csrTime:
		if smode {
			return c.hostTime(), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// SetCSR writes value to csr, applying the necessary masking and side
// effects. noInterruptHint is cleared (set to false) whenever the write
// could newly enable a pending interrupt; flushShadow is invoked whenever
// satp changes the active address space (always, per the documented Linux
// workaround, even if the value is unchanged). Returns false for any
// unrecognized CSR.
func (c *ControlRegisters) SetCSR(csr uint32, value uint64, noInterruptHint *bool, flushShadow func()) bool {
	switch uint64(csr) {
	case csrSstatus:
		value &= sstatusWritableMask
		changed := c.Sstatus ^ value
		c.Sstatus = value

		if changed&StatusFS != 0 {
			c.hw().WriteSstatusFS(value & StatusFS)
		}
		if changed&StatusSIE != 0 && value&StatusSIE != 0 {
			*noInterruptHint = false
		}
	case csrSatp:
		mode := value & satpModeMask
		if mode == satpModeBare || mode == satpModeSv39 {
			c.Satp = value &^ satpASIDMask
		}
		if flushShadow != nil {
			flushShadow()
		}
	case csrSie:
		value &= IESEIE | IESTIE | IESSIE
		newlyEnabled := (^c.Sie) & value
		if newlyEnabled != 0 {
			*noInterruptHint = false
		}
		c.Sie = value
	case csrStvec:
		c.Stvec = value &^ 0x3
	case csrSscratch:
		c.Sscratch = value
	case csrSepc:
		c.Sepc = value
	case csrScause:
		c.Scause = value
	case csrStval:
		c.Stval = value
	case csrSip:
		if value&IPSSIP != 0 {
			*noInterruptHint = false
		}
		c.Sip = (c.Sip &^ IPSSIP) | (value & IPSSIP)
	case csrSedeleg, csrSideleg, csrScounter:
		// hard-wired zero, writes ignored
	default:
		return false
	}
	return true
}

// PushSIE saves SIE into SPIE and clears SIE, performed when forwarding an
// exception or interrupt to the guest.
func (c *ControlRegisters) PushSIE() {
	if c.Sstatus&StatusSIE != 0 {
		c.Sstatus |= StatusSPIE
	} else {
		c.Sstatus &^= StatusSPIE
	}
	c.Sstatus &^= StatusSIE
}

// PopSIE restores SIE from SPIE and sets SPIE, performed by the shadow
// `sret` emulation. Push then Pop is an involution: SIE returns to its
// pre-push value and SPIE is left set.
func (c *ControlRegisters) PopSIE() {
	if c.Sstatus&StatusSPIE != 0 {
		c.Sstatus |= StatusSIE
	} else {
		c.Sstatus &^= StatusSIE
	}
	c.Sstatus |= StatusSPIE
}

// ShadowRoot enumerates the four shadow page table roots.
type ShadowRoot int

const (
	ShadowUVA ShadowRoot = iota
	ShadowKVA
	ShadowMVA
	ShadowMPA
)

func (r ShadowRoot) String() string {
	switch r {
	case ShadowUVA:
		return "UVA"
	case ShadowKVA:
		return "KVA"
	case ShadowMVA:
		return "MVA"
	case ShadowMPA:
		return "MPA"
	default:
		return "unknown"
	}
}

// SelectShadow implements the shadow-root selection formula: MPA if
// paging is disabled, else UVA/KVA/MVA depending on guest mode and SUM.
func (c *ControlRegisters) SelectShadow(smode bool) ShadowRoot {
	if c.Satp&satpModeMask == satpModeBare {
		return ShadowMPA
	}
	if !smode {
		return ShadowUVA
	}
	if c.Sstatus&StatusSUM == 0 {
		return ShadowKVA
	}
	return ShadowMVA
}
