// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"errors"

	"code.hybscloud.com/iox"
)

// OpKind is the direction of a point-to-point operation.
type OpKind uint8

const (
	OpSend OpKind = iota
	OpRecv
)

func (k OpKind) String() string {
	if k == OpRecv {
		return "recv"
	}
	return "send"
}

// Op is one point-to-point operation of a batch: send Buffer to Peer, or
// receive into Buffer from Peer, within Group.
type Op struct {
	Kind   OpKind
	Buffer *Buffer
	Peer   int
	Group  Group
}

// Future is the awaitable handle of an issued operation.
//
// Test is non-blocking: it returns nil once the operation has completed,
// iox.ErrWouldBlock while it is still pending, and any other error when
// the operation failed. Test may be called again after completion.
type Future interface {
	Test() error
}

// Transport is the raw point-to-point collaborator. Every method must be
// called from the participant's own goroutine.
type Transport interface {
	// ISend starts sending b to dst within g.
	ISend(b *Buffer, dst int, g Group) (Future, error)
	// IRecv starts receiving into b from src within g.
	IRecv(b *Buffer, src int, g Group) (Future, error)
	// BatchIssue starts every op in order and returns one future per op.
	BatchIssue(ops []Op) ([]Future, error)
	// Broadcast sends b from src to every member of g, or receives it into b.
	// It returns when the local side is complete.
	Broadcast(b *Buffer, src int, g Group) error
	// Synchronize is the device-wide barrier: every previously completed
	// operation's buffer is readable once it returns.
	Synchronize() error
}

// Group is an immutable handle naming a communication subset and its
// capability. Groups are obtained from a [Topology].
type Group interface {
	Name() string
	Contains(rank int) bool
	// DirectDevice reports whether the group's backend moves accelerator
	// memory directly, which is what enables the buffer fast path.
	DirectDevice() bool
}

// Topology resolves pipeline positions to ranks and groups.
type Topology interface {
	Rank() int
	PrevRank() int
	NextRank() int
	NumStages() int
	Group(a, b int) (Group, error)
}

// Route addresses one direction of a call.
type Route struct {
	Peer  int
	Group Group
}

// Wait blocks until f completes, backing off on iox.ErrWouldBlock with
// iox.Backoff.
func Wait(f Future) error {
	var bo iox.Backoff
	for {
		err := f.Test()
		if err == nil {
			return nil
		}
		if !errors.Is(err, iox.ErrWouldBlock) {
			return err
		}
		bo.Wait()
	}
}

// WaitAll waits for every future in order and returns the first failure.
func WaitAll(fs []Future) error {
	for _, f := range fs {
		if err := Wait(f); err != nil {
			return err
		}
	}
	return nil
}
