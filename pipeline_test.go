// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p_test

import (
	"errors"
	"slices"
	"testing"

	"code.hybscloud.com/p2p"
	"code.hybscloud.com/p2p/loopback"
)

func TestExchangeBothDirectionsAtOnce(t *testing.T) {
	skipRace(t)
	w, first, second := pair(t, true)
	x := seqBuffer([]int{2, 2, 3}, p2p.Float16, p2p.AcceleratorDevice(0), 1)
	y := seqBuffer([]int{1, 4, 2}, p2p.Float16, p2p.AcceleratorDevice(1), 100)

	var gotX, gotY *p2p.Buffer
	concurrently(t,
		func() (err error) { gotY, err = first.Exchange(x, true); return err },
		func() (err error) { gotX, err = second.Exchange(y, true); return err },
	)
	if !sameBuffer(gotX, x) {
		t.Fatalf("second got %v, want %v", gotX, x)
	}
	if !sameBuffer(gotY, y) {
		t.Fatalf("first got %v, want %v", gotY, y)
	}
	if gotX.Device != p2p.AcceleratorDevice(1) {
		t.Fatalf("device: got %s, want cuda:1", gotX.Device)
	}
	for r := range 2 {
		if n := w.Transport(r).Barriers(); n != 0 {
			t.Fatalf("rank %d barriers: got %d, want 0", r, n)
		}
	}
}

func TestExchangeOneDirection(t *testing.T) {
	skipRace(t)
	_, first, second := pair(t, true)
	x := seqBuffer([]int{3, 1, 2}, p2p.Float32, p2p.AcceleratorDevice(0), 7)

	var sent, got *p2p.Buffer
	concurrently(t,
		func() (err error) { sent, err = first.Exchange(x, false, p2p.CommDType(p2p.Float32)); return err },
		func() (err error) { got, err = second.Exchange(nil, true, p2p.CommDType(p2p.Float32)); return err },
	)
	if sent != nil {
		t.Fatalf("send-only exchange returned %v", sent)
	}
	if !sameBuffer(got, x) {
		t.Fatalf("got %v, want %v", got, x)
	}
}

func TestExchangeNothing(t *testing.T) {
	_, first, _ := pair(t, true)
	got, err := first.Exchange(nil, false)
	if err != nil || got != nil {
		t.Fatalf("got %v, %v; want nil, nil", got, err)
	}
}

func TestExchangePreconditions(t *testing.T) {
	_, first, _ := pair(t, true)
	if _, err := first.Exchange(p2p.NewBuffer([]int{2, 2}, p2p.Float16, p2p.HostDevice), true); !errors.Is(err, p2p.ErrUnsupportedPayload) {
		t.Fatalf("rank 2 buffer: got %v, want ErrUnsupportedPayload", err)
	}
	if _, err := first.Exchange(p2p.NewBuffer([]int{1, 2, 2}, p2p.Float32, p2p.HostDevice), true); !errors.Is(err, p2p.ErrUnsupportedPayload) {
		t.Fatalf("dtype: got %v, want ErrUnsupportedPayload", err)
	}

	w := loopback.NewWorld(3)
	p, err := w.Pipeline(0, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Exchange(nil, true); !errors.Is(err, p2p.ErrConfiguration) {
		t.Fatalf("three stages: got %v, want ErrConfiguration", err)
	}
}

func TestPipelineThreeStages(t *testing.T) {
	skipRace(t)
	w := loopback.NewWorld(3)
	stages := make([]*p2p.Pipeline, 3)
	for r := range stages {
		p, err := w.Pipeline(r, true)
		if err != nil {
			t.Fatal(err)
		}
		stages[r] = p
	}
	if prev := stages[0].Topology().PrevRank(); prev != 2 {
		t.Fatalf("first stage prev: got %d, want 2", prev)
	}
	x := p2p.Float32Buffer([]int{3}, []float32{1, 2, 3}, p2p.AcceleratorDevice(0))
	grad := p2p.Float32Buffer([]int{3}, []float32{-1, -1, -1}, p2p.AcceleratorDevice(2))

	var out, back p2p.Payload
	concurrently(t,
		func() (err error) {
			back, err = stages[0].SendForwardRecvBackward(x)
			return err
		},
		func() error {
			in, err := stages[1].RecvForward()
			if err != nil {
				return err
			}
			vals := in.Buffer().Float32s()
			for i := range vals {
				vals[i] *= 2
			}
			next := p2p.Float32Buffer(in.Buffer().Shape, vals, in.Buffer().Device)
			g, err := stages[1].SendForwardRecvBackward(next)
			if err != nil {
				return err
			}
			return stages[1].SendBackward(g)
		},
		func() (err error) {
			if out, err = stages[2].RecvForward(); err != nil {
				return err
			}
			return stages[2].SendBackward(grad)
		},
	)
	if got := out.Buffer().Float32s(); !slices.Equal(got, []float32{2, 4, 6}) {
		t.Fatalf("last stage got %v, want [2 4 6]", got)
	}
	if got := back.Buffer().Float32s(); !slices.Equal(got, []float32{-1, -1, -1}) {
		t.Fatalf("first stage got %v, want [-1 -1 -1]", got)
	}
}

func TestPipelinePeerOverride(t *testing.T) {
	skipRace(t)
	w := loopback.NewWorld(3)
	g := w.Group("skip", []int{0, 2}, true)
	topo0, _ := p2p.NewStaticTopology(0, []int{0, 1, 2}, g)
	topo2, _ := p2p.NewStaticTopology(2, []int{0, 1, 2}, g)
	first := p2p.NewPipeline(topo0, w.Transport(0), p2p.WithDevice(w.Device(0)))
	last := p2p.NewPipeline(topo2, w.Transport(2), p2p.WithDevice(w.Device(2)))
	x := seqBuffer([]int{2}, p2p.Int64, p2p.AcceleratorDevice(0), 3)

	var got p2p.Payload
	concurrently(t,
		func() error { return first.SendForward(x, p2p.Peer(2)) },
		func() (err error) { got, err = last.RecvForward(p2p.Peer(0)); return err },
	)
	if !sameBuffer(got.Buffer(), x) {
		t.Fatalf("got %v, want %v", got.Buffer(), x)
	}
}

func TestBroadcastObjects(t *testing.T) {
	skipRace(t)
	w := loopback.NewWorld(3)
	g := w.Group("all", []int{0, 1, 2}, false)
	want := []any{"schedule", 7, []any{1.5, "x"}}
	got := make([][]any, 3)
	fns := make([]func() error, 3)
	for r := range 3 {
		p, err := w.Pipeline(r, true)
		if err != nil {
			t.Fatal(err)
		}
		objs := make([]any, len(want))
		if r == 0 {
			copy(objs, want)
		}
		got[r] = objs
		fns[r] = func() error { return p.Communicator().BroadcastObjects(objs, 0, g) }
	}
	concurrently(t, fns...)
	for r := range 3 {
		for i := range want {
			if !equalAny(got[r][i], want[i]) {
				t.Fatalf("rank %d object %d: got %#v, want %#v", r, i, got[r][i], want[i])
			}
		}
	}
}

func TestBroadcastNeedsMembership(t *testing.T) {
	w := loopback.NewWorld(3)
	g := w.Group("pair", []int{0, 1}, false)
	p, err := w.Pipeline(2, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Communicator().BroadcastObjects([]any{1}, 0, g); !errors.Is(err, p2p.ErrConfiguration) {
		t.Fatalf("got %v, want ErrConfiguration", err)
	}
}
