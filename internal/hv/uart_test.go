package hv

import (
	"bytes"
	"testing"
)

func TestUARTTransmitsExactBytesInOrder(t *testing.T) {
	u := NewUART()
	var sink bytes.Buffer
	u.Sink = &sink

	msg := []byte("hello")
	now := uint64(0)
	for _, b := range msg {
		if err := u.WriteAt(uartRBRTHR, b, now); err != nil {
			t.Fatalf("write: %v", err)
		}
		now += 1000
	}

	if sink.String() != "hello" {
		t.Errorf("got %q, want %q", sink.String(), "hello")
	}
}

func TestUARTTransmitDeadlineSequential(t *testing.T) {
	u := NewUART()
	u.Sink = &bytes.Buffer{}
	u.divisorLatch = 2 // transmitTime = 10

	if err := u.WriteAt(uartRBRTHR, 'a', 100); err != nil {
		t.Fatalf("write: %v", err)
	}
	first := u.nextInterruptTime
	if first != 110 {
		t.Fatalf("got %d, want 110", first)
	}

	// Second write arrives before the first deadline: must queue after it,
	// not reset relative to "now".
	if err := u.WriteAt(uartRBRTHR, 'b', 105); err != nil {
		t.Fatalf("write: %v", err)
	}
	second := u.nextInterruptTime
	if second != 120 {
		t.Errorf("got %d, want 120 (sequential, not overlapping)", second)
	}
}

func TestUARTSkipEveryOtherReadQuirk(t *testing.T) {
	u := NewUART()
	u.EnqueueInput('X')

	v1, err := u.ReadAt(uartRBRTHR, 0)
	if err != nil {
		t.Fatalf("read 1: %v", err)
	}
	if v1 != 0 {
		t.Errorf("first read after fill: got %d, want 0 (quirk skip)", v1)
	}
	if u.inputBytesReady != 1 {
		t.Errorf("FIFO should not have been drained on the skipped read")
	}

	v2, err := u.ReadAt(uartRBRTHR, 0)
	if err != nil {
		t.Fatalf("read 2: %v", err)
	}
	if v2 != 'X' {
		t.Errorf("second read: got %d, want %d", v2, 'X')
	}
	if u.inputBytesReady != 0 {
		t.Errorf("FIFO should be drained after the real read")
	}
}

func TestUARTLSRBits(t *testing.T) {
	u := NewUART()

	v, _ := u.ReadAt(uartLSR, 0)
	if v&0x1 != 0 {
		t.Errorf("LSR should not report data-ready on an empty FIFO")
	}

	u.EnqueueInput('Z')
	v, _ = u.ReadAt(uartLSR, 0)
	if v&0x1 == 0 {
		t.Errorf("LSR should report data-ready once the FIFO is non-empty")
	}
}

func TestUARTIIRPriority(t *testing.T) {
	u := NewUART()
	u.interruptEnable = 0x3 // RX + TX enabled
	u.EnqueueInput('Q')

	v, _ := u.ReadAt(uartIIR, 100)
	if v != uartIIRRxAvailable {
		t.Errorf("got 0x%x, want RX-available 0x%x", v, uartIIRRxAvailable)
	}
}

func TestUARTLCRReflectsDLAB(t *testing.T) {
	u := NewUART()
	if err := u.WriteAt(uartLCR, 0x80, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, _ := u.ReadAt(uartLCR, 0)
	if v != 0x03 {
		t.Errorf("got 0x%x, want 0x03 with DLAB set", v)
	}
}
