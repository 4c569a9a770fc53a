package admission

import "time"

// DelayPolicy computes the pre-call stagger: even after a grant, callers
// wait longer the busier the fleet looks, which smooths bursts instead of
// merely gating the hard ceiling. The exact curve is a tunable, not a
// contract; only monotonicity is guaranteed.
type DelayPolicy struct {
	// Base is the per-active-caller increment.
	Base time.Duration
	// Cap bounds the delay so a busy fleet cannot starve new work.
	Cap time.Duration
}

// Delay grows linearly with the observed global in-flight count, capped.
// Zero observed load means no delay.
func (p DelayPolicy) Delay(load LoadSample) time.Duration {
	d := time.Duration(load.ActiveGlobal) * p.Base
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}
