// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"errors"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/kont"
)

// transportContext is what a protocol step dispatches against.
type transportContext struct {
	transport Transport
	metrics   *Metrics
}

// transportDispatcher is the structural interface for transport effects.
// DispatchTransport is non-blocking: it returns iox.ErrWouldBlock until
// the effect has completed, and any other error on failure.
type transportDispatcher interface {
	DispatchTransport(ctx *transportContext) (kont.Resumed, error)
}

// Batch is the effect operation for one transport round.
// Perform(NewBatch(ops, sync)) issues ops together, resumes once every op
// has completed, and runs the device barrier first when Sync is set.
type Batch struct {
	kont.Phantom[struct{}]
	Ops  []Op
	Sync bool
	st   *batchState
}

// batchState survives re-dispatch of the same Batch while it is pending.
type batchState struct {
	issued  bool
	synced  bool
	futures []Future
	done    []bool
}

// NewBatch returns a Batch effect for ops.
func NewBatch(ops []Op, sync bool) Batch {
	return Batch{Ops: ops, Sync: sync, st: &batchState{}}
}

// DispatchTransport handles Batch on a transport.
// The first dispatch issues the ops; later dispatches poll every pending
// future so that no op waits behind another.
func (b Batch) DispatchTransport(ctx *transportContext) (kont.Resumed, error) {
	st := b.st
	if st == nil {
		return nil, errors.New("p2p: Batch not built with NewBatch")
	}
	if !st.issued {
		if len(b.Ops) > 0 {
			futures, err := ctx.transport.BatchIssue(b.Ops)
			if err != nil {
				return nil, err
			}
			st.futures = futures
			st.done = make([]bool, len(futures))
		}
		st.issued = true
		ctx.metrics.observeBatch(b.Ops)
	}
	pending := false
	for i, f := range st.futures {
		if st.done[i] {
			continue
		}
		err := f.Test()
		switch {
		case err == nil:
			st.done[i] = true
		case errors.Is(err, iox.ErrWouldBlock):
			pending = true
		default:
			return nil, err
		}
	}
	if pending {
		return nil, iox.ErrWouldBlock
	}
	if b.Sync && !st.synced {
		if err := ctx.transport.Synchronize(); err != nil {
			return nil, err
		}
		st.synced = true
		ctx.metrics.observeBarrier()
	}
	return struct{}{}, nil
}

// issue performs one transport round. A round with no ops completes
// without touching the transport.
func issue(ops []Op, sync bool) kont.Eff[struct{}] {
	if len(ops) == 0 {
		return kont.Pure(struct{}{})
	}
	return kont.Perform(NewBatch(ops, sync))
}

// throw aborts a protocol with err.
func throw[A any](err error) kont.Eff[A] {
	return kont.ThrowError[error, A](err)
}
