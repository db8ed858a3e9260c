// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p_test

import (
	"bytes"
	"reflect"
	"slices"
	"testing"

	"code.hybscloud.com/kont"
	"code.hybscloud.com/p2p"
	"code.hybscloud.com/p2p/loopback"
	"golang.org/x/sync/errgroup"
)

// pair builds a two-rank loopback world and the pipeline of each rank.
func pair(tb testing.TB, direct bool, opts ...loopback.Option) (*loopback.World, *p2p.Pipeline, *p2p.Pipeline) {
	tb.Helper()
	w := loopback.NewWorld(2, opts...)
	first, err := w.Pipeline(0, direct)
	if err != nil {
		tb.Fatal(err)
	}
	second, err := w.Pipeline(1, direct)
	if err != nil {
		tb.Fatal(err)
	}
	return w, first, second
}

// concurrently runs every fn on its own goroutine and fails tb on the
// first error.
func concurrently(tb testing.TB, fns ...func() error) {
	tb.Helper()
	var g errgroup.Group
	for _, fn := range fns {
		g.Go(fn)
	}
	if err := g.Wait(); err != nil {
		tb.Fatal(err)
	}
}

// drive runs a protocol to completion on t via the Step+Advance loop,
// retrying on iox.ErrWouldBlock.
func drive[R any](t p2p.Transport, protocol kont.Expr[R]) (R, error) {
	result, susp := p2p.Step[R](protocol)
	for susp != nil {
		var err error
		result, susp, err = p2p.Advance(t, susp)
		if err != nil {
			continue
		}
	}
	return p2p.Result(result)
}

func sameBuffer(a, b *p2p.Buffer) bool {
	return slices.Equal(a.Shape, b.Shape) &&
		a.DType == b.DType &&
		a.RequiresGrad == b.RequiresGrad &&
		bytes.Equal(a.Data, b.Data)
}

func seqBuffer(shape []int, dt p2p.DType, dev p2p.Device, seed byte) *p2p.Buffer {
	b := p2p.NewBuffer(shape, dt, dev)
	for i := range b.Data {
		b.Data[i] = seed + byte(i)
	}
	return b
}

// refusingTransport fails the test on any operation.
type refusingTransport struct{ tb testing.TB }

func (r refusingTransport) ISend(*p2p.Buffer, int, p2p.Group) (p2p.Future, error) {
	r.tb.Fatal("ISend issued")
	return nil, nil
}

func (r refusingTransport) IRecv(*p2p.Buffer, int, p2p.Group) (p2p.Future, error) {
	r.tb.Fatal("IRecv issued")
	return nil, nil
}

func (r refusingTransport) BatchIssue([]p2p.Op) ([]p2p.Future, error) {
	r.tb.Fatal("BatchIssue issued")
	return nil, nil
}

func (r refusingTransport) Broadcast(*p2p.Buffer, int, p2p.Group) error {
	r.tb.Fatal("Broadcast issued")
	return nil
}

func (r refusingTransport) Synchronize() error {
	r.tb.Fatal("Synchronize issued")
	return nil
}

// failingTransport fails every batch with err.
type failingTransport struct{ err error }

func (f failingTransport) ISend(*p2p.Buffer, int, p2p.Group) (p2p.Future, error) { return nil, f.err }
func (f failingTransport) IRecv(*p2p.Buffer, int, p2p.Group) (p2p.Future, error) { return nil, f.err }
func (f failingTransport) BatchIssue([]p2p.Op) ([]p2p.Future, error)             { return nil, f.err }
func (f failingTransport) Broadcast(*p2p.Buffer, int, p2p.Group) error           { return f.err }
func (f failingTransport) Synchronize() error                                    { return nil }

func equalAny(a, b any) bool { return reflect.DeepEqual(a, b) }
