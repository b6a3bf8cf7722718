package kproxy

// backpressure tracks the two-boolean sub-state of spec.md §3/§4.8,
// independent of session state. It is a separate, smaller state machine
// from SessionState by design (§9 design notes: "must not be merged;
// backpressure changes can happen in several session states").
type backpressure struct {
	clientReadsBlocked bool
	serverReadsBlocked bool
}

// onServerUnwritable is called when the upstream (broker-facing) channel's
// write buffer crosses its high watermark: bytes destined for the broker
// are piling up, so client reads must pause to stop that buffer growing
// further (spec.md §4.8). Debounced: only toggles on the writable→unwritable
// edge.
func (bp *backpressure) onServerUnwritable(d *Downstream) {
	if bp.clientReadsBlocked {
		return
	}
	bp.clientReadsBlocked = true
	d.blockReads()
}

func (bp *backpressure) onServerWritable(d *Downstream) {
	if !bp.clientReadsBlocked {
		return
	}
	bp.clientReadsBlocked = false
	d.unblockReads()
}

// onClientUnwritable is the mirror case: the downstream (client-facing)
// channel's write buffer is filling, so server (broker) reads must pause.
func (bp *backpressure) onClientUnwritable(u *Upstream) {
	if bp.serverReadsBlocked {
		return
	}
	bp.serverReadsBlocked = true
	u.blockReads()
}

func (bp *backpressure) onClientWritable(u *Upstream) {
	if !bp.serverReadsBlocked {
		return
	}
	bp.serverReadsBlocked = false
	u.unblockReads()
}
