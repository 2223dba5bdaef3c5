package hv

import "io"

// 16550 register offsets.
const (
	uartRBRTHR = 0
	uartIER    = 1
	uartIIR    = 2
	uartFCR    = 2
	uartLCR    = 3
	uartMCR    = 4
	uartLSR    = 5
	uartMSR    = 6

	uartFIFOSize = 16

	uartIIRRxAvailable = 0xc4
	uartIIRTxEmpty     = 0xc2
	uartIIRNoInterrupt = 0xc1
)

// UART is a 16550-compatible register bank with an RX FIFO, a transmit
// completion deadline, and the skip-every-other-read quirk a target guest
// kernel depends on.
type UART struct {
	dlab              bool
	divisorLatch      uint16
	interruptEnable   uint8
	nextInterruptTime uint64

	inputFIFO       [uartFIFOSize]byte
	inputBytesReady int
	readZero        bool

	// Sink receives bytes the guest writes to THR. The host-side console
	// is an out-of-scope collaborator; this is the seam it plugs into.
	Sink io.Writer

	// Source, if set, is polled by Timer to refill the RX FIFO.
	Source func() (byte, bool)

	// Now supplies the live mtime for the Device interface's Read/Write,
	// which have no room for an explicit clock parameter. Tests exercise
	// ReadAt/WriteAt directly with an explicit value instead.
	Now func() uint64
}

func (u *UART) now() uint64 {
	if u.Now == nil {
		return 0
	}
	return u.Now()
}

// Read implements Device.
func (u *UART) Read(offset uint64, size int) (uint64, error) {
	return u.ReadAt(offset, u.now())
}

// Write implements Device.
func (u *UART) Write(offset uint64, size int, value uint64) error {
	return u.WriteAt(offset, uint8(value), u.now())
}

// NewUART returns a UART with DLAB clear and the quirk bit primed exactly
// as the reference implementation's initial state does.
func NewUART() *UART {
	return &UART{
		divisorLatch: 1,
		readZero:     true,
	}
}

func (u *UART) Size() uint64 { return UARTSize }

func (u *UART) txInterrupt(now uint64) bool {
	return u.nextInterruptTime <= now && u.interruptEnable&0x2 != 0
}

func (u *UART) rxInterrupt() bool {
	return u.inputBytesReady >= 1 && u.interruptEnable&0x1 != 0
}

func (u *UART) fillFIFO() {
	if u.Source == nil {
		return
	}
	for u.inputBytesReady < len(u.inputFIFO) {
		ch, ok := u.Source()
		if !ok {
			break
		}
		u.inputFIFO[u.inputBytesReady] = ch
		u.inputBytesReady++
	}
}

// EnqueueInput appends a byte to the RX FIFO directly, for hosts that push
// input rather than have it pulled via Source.
func (u *UART) EnqueueInput(b byte) bool {
	if u.inputBytesReady >= len(u.inputFIFO) {
		return false
	}
	u.inputFIFO[u.inputBytesReady] = b
	u.inputBytesReady++
	return true
}

// Timer is the periodic tick: it refills the RX FIFO, and if either RX or
// TX conditions now hold, asserts the UART's PLIC source and clears the
// no-interrupt hint.
func (u *UART) Timer(plic *PLIC, now uint64, noInterruptHint *bool) {
	u.fillFIFO()
	if u.txInterrupt(now) || u.rxInterrupt() {
		plic.SetPending(uartIRQ, true)
		*noInterruptHint = false
	}
}

// ReadAt is the register bank's read half, with `now` supplied by the
// caller (the live mtime) since the register bank has no clock of its own.
func (u *UART) ReadAt(offset uint64, now uint64) (uint64, error) {
	switch {
	case !u.dlab && offset == uartRBRTHR:
		if u.inputBytesReady == 0 {
			return 0, nil
		}
		if u.readZero {
			u.readZero = false
			return 0, nil
		}
		u.readZero = true

		ret := u.inputFIFO[0]
		u.inputBytesReady--
		copy(u.inputFIFO[:u.inputBytesReady], u.inputFIFO[1:u.inputBytesReady+1])
		return uint64(ret), nil

	case !u.dlab && offset == uartIER:
		return uint64(u.interruptEnable), nil

	case offset == uartIIR:
		switch {
		case u.rxInterrupt():
			return uartIIRRxAvailable, nil
		case u.txInterrupt(now):
			return uartIIRTxEmpty, nil
		default:
			return uartIIRNoInterrupt, nil
		}

	case offset == uartLCR:
		if u.dlab {
			return 0x03, nil
		}
		return 0x83, nil

	case offset == uartLSR:
		u.fillFIFO()
		var mask uint64
		if u.inputBytesReady > 0 {
			mask = 0x1
		}
		if now >= u.nextInterruptTime {
			return 0x30 | mask, nil
		}
		return mask, nil

	case offset == uartMSR:
		return 0x10, nil

	case u.dlab && offset == uartRBRTHR:
		return uint64(u.divisorLatch & 0xff), nil

	case u.dlab && offset == uartIER:
		return uint64(u.divisorLatch >> 8), nil

	default:
		return 0, &FatalError{Category: FatalDecodeFailure, Reason: "unrecognized UART read"}
	}
}

// WriteAt implements the write half of the register bank; now is the live
// mtime used to compute the transmit-completion deadline.
func (u *UART) WriteAt(offset uint64, value uint8, now uint64) error {
	switch {
	case !u.dlab && offset == uartRBRTHR:
		if u.Sink != nil {
			_, _ = u.Sink.Write([]byte{value})
		}
		transmitTime := uint64(u.divisorLatch) * 5
		if u.nextInterruptTime < now {
			u.nextInterruptTime = now
		}
		u.nextInterruptTime += transmitTime

	case !u.dlab && offset == uartIER:
		u.interruptEnable = value

	case u.dlab && offset == uartRBRTHR:
		u.divisorLatch = (u.divisorLatch &^ 0xff) | uint16(value)

	case u.dlab && offset == uartIER:
		u.divisorLatch = (u.divisorLatch &^ 0xff00) | (uint16(value) << 8)

	case offset == uartFCR:
		// FIFO control: no-op, matching the reference implementation.

	case offset == uartLCR:
		u.dlab = value&0x80 != 0

	case offset == uartMCR:
		if value&0xf0 != 0 {
			return &FatalError{Category: FatalDecodeFailure, Reason: "unsupported UART MCR write"}
		}

	default:
		return &FatalError{Category: FatalDecodeFailure, Reason: "unrecognized UART write"}
	}
	return nil
}

var _ Device = (*UART)(nil)
