package hv

import (
	"context"
	"time"
)

// HartDriver is the collaborator that actually resumes the guest on real
// hardware (or a full CPU interpreter) until the next trap. Running
// ordinary, non-trapped guest instructions is out of scope here; this core
// only ever sees the trap boundary. An embedder supplies the real
// implementation (cmd/rvhv stops before Run and supplies none); tests supply
// a scripted one.
type HartDriver interface {
	// Resume runs the guest from resumePC with root installed as the
	// active address space until the next trap, the guest halts cleanly,
	// or deadline elapses with nothing having happened (in which case ok
	// is false and the loop re-evaluates interrupt injection — this is
	// how a pending mtimecmp or UART TX deadline turns into a trap even
	// when the guest itself stays quiet).
	Resume(ctx context.Context, root ShadowRoot, resumePC uint64, deadline time.Duration) (scause, sepc, stval uint64, halted, ok bool, err error)
}

// Run drives one hart to completion: inject any pending interrupt, hand
// control to the driver until the next trap, dispatch the trap, and
// repeat. Generalized from a "step N cycles" scheduling loop to "resume
// until the next trap," since this core never itself executes guest
// instructions.
func (c *Context) Run(ctx context.Context, driver HartDriver, pollEvery time.Duration) error {
	resumePC := c.CSR.Sepc

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.DeviceTimerTick()
		resumePC = c.InjectInterrupts(resumePC)
		root := c.CSR.SelectShadow(c.SMode)
		deadline := c.NextHostDeadline(pollEvery)

		scause, sepc, stval, halted, ok, err := driver.Resume(ctx, root, resumePC, deadline)
		if err != nil {
			return err
		}
		if halted {
			return nil
		}
		if !ok {
			continue // deadline elapsed; re-evaluate interrupt injection next iteration
		}

		outcome, _, next, err := c.HandleTrap(scause, sepc, stval)
		if err != nil {
			return err
		}
		if outcome == TrapHalt {
			return nil
		}
		resumePC = next
	}
}
