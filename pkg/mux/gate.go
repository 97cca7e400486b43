package mux

// RequestGate is the per-channel "request in flight" flag. It is not safe for concurrent use
// on its own; the multiplexer guards it.
type RequestGate struct {
	busy bool
}

// TryAcquire sets the gate and reports whether it was free.
func (g *RequestGate) TryAcquire() bool {
	if g.busy {
		return false
	}
	g.busy = true
	return true
}

// Release clears the gate and reports whether it was held. Releasing a free gate is a no-op.
func (g *RequestGate) Release() bool {
	was := g.busy
	g.busy = false
	return was
}

func (g *RequestGate) Busy() bool {
	return g.busy
}
