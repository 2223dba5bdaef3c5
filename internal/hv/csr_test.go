package hv

import "testing"

func TestCSRRoundTrip(t *testing.T) {
	c := NewControlRegisters()
	hint := true

	cases := []struct {
		csr   uint32
		value uint64
		want  uint64
	}{
		{csrSscratch, 0x1234, 0x1234},
		{csrSepc, 0x80001000, 0x80001000},
		{csrScause, 13, 13},
		{csrStval, 0x80002000, 0x80002000},
		{csrStvec, 0x80003003, 0x80003000}, // low two bits masked
	}

	for _, tc := range cases {
		if !c.SetCSR(tc.csr, tc.value, &hint, nil) {
			t.Fatalf("SetCSR(0x%x) failed", tc.csr)
		}
		got, ok := c.GetCSR(tc.csr, true)
		if !ok {
			t.Fatalf("GetCSR(0x%x) failed", tc.csr)
		}
		if got != tc.want {
			t.Errorf("CSR 0x%x: got 0x%x, want 0x%x", tc.csr, got, tc.want)
		}
	}
}

func TestCSRSatpRejectsUnsupportedMode(t *testing.T) {
	c := NewControlRegisters()
	hint := true

	c.SetCSR(csrSatp, (8<<60)|0x1000, &hint, nil)
	before := c.Satp

	// Mode 9 (Sv48) is unsupported; the write must be silently dropped.
	c.SetCSR(csrSatp, (9<<60)|0x2000, &hint, nil)

	if c.Satp != before {
		t.Errorf("satp changed on unsupported mode write: got 0x%x, want 0x%x", c.Satp, before)
	}
}

func TestCSRSatpAlwaysFlushes(t *testing.T) {
	c := NewControlRegisters()
	hint := true
	flushes := 0
	flush := func() { flushes++ }

	c.SetCSR(csrSatp, 8<<60, &hint, flush)
	c.SetCSR(csrSatp, 8<<60, &hint, flush) // identical value, must still flush

	if flushes != 2 {
		t.Errorf("got %d flushes, want 2", flushes)
	}
}

type fakeHardwareSstatus struct {
	value uint64
}

func (f *fakeHardwareSstatus) ReadSstatus() uint64 { return f.value }
func (f *fakeHardwareSstatus) WriteSstatusFS(v uint64) {
	f.value = (f.value &^ StatusFS) | (v & StatusFS)
}

func TestSstatusPreservesDynamicBits(t *testing.T) {
	c := NewControlRegisters()
	hw := &fakeHardwareSstatus{value: StatusSD | StatusFS}
	c.HW = hw
	hint := true

	c.SetCSR(csrSstatus, StatusSUM, &hint, nil)

	got, _ := c.GetCSR(csrSstatus, true)
	if got&sstatusDynamicMask != StatusSD|StatusFS {
		t.Errorf("dynamic bits not preserved: got 0x%x", got)
	}
	if got&StatusSUM == 0 {
		t.Errorf("writable bit SUM not set: got 0x%x", got)
	}
}

func TestPushPopSIEIsInvolution(t *testing.T) {
	c := NewControlRegisters()
	c.Sstatus = StatusSIE

	c.PushSIE()
	if c.Sstatus&StatusSIE != 0 {
		t.Errorf("SIE should be clear after push")
	}
	if c.Sstatus&StatusSPIE == 0 {
		t.Errorf("SPIE should be set after push (mirrors pre-push SIE)")
	}

	c.PopSIE()
	if c.Sstatus&StatusSIE == 0 {
		t.Errorf("SIE should be restored after pop")
	}
	if c.Sstatus&StatusSPIE == 0 {
		t.Errorf("SPIE should be left set after pop")
	}
}

func TestShadowSelection(t *testing.T) {
	cases := []struct {
		name  string
		satp  uint64
		smode bool
		sum   bool
		want  ShadowRoot
	}{
		{"bare", 0, true, true, ShadowMPA},
		{"bare-u", 0, false, false, ShadowMPA},
		{"user", 8 << 60, false, false, ShadowUVA},
		{"super-no-sum", 8 << 60, true, false, ShadowKVA},
		{"super-sum", 8 << 60, true, true, ShadowMVA},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewControlRegisters()
			c.Satp = tc.satp
			if tc.sum {
				c.Sstatus |= StatusSUM
			}
			got := c.SelectShadow(tc.smode)
			if got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestSieSipClearNoInterruptHint(t *testing.T) {
	c := NewControlRegisters()
	hint := true

	c.SetCSR(csrSie, IESTIE, &hint, nil)
	if hint {
		t.Errorf("enabling a previously-clear sie bit should clear the hint")
	}

	hint = true
	c.SetCSR(csrSip, IPSSIP, &hint, nil)
	if hint {
		t.Errorf("setting SSIP should clear the hint")
	}
}
