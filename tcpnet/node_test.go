// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpnet_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"code.hybscloud.com/p2p"
	"code.hybscloud.com/p2p/tcpnet"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// configs returns one config per rank over loopback listeners. The world
// id of each rank comes from worlds when given.
func configs(t *testing.T, n int, worlds ...uuid.UUID) ([]p2p.Config, []net.Listener) {
	t.Helper()
	world := uuid.New()
	lns := make([]net.Listener, n)
	peers := make([]p2p.PeerConfig, n)
	ranks := make([]int, n)
	for r := range n {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		lns[r] = ln
		peers[r] = p2p.PeerConfig{Rank: r, Addr: ln.Addr().String()}
		ranks[r] = r
	}
	cfgs := make([]p2p.Config, n)
	for r := range n {
		cfg := p2p.DefaultConfig()
		cfg.World = world.String()
		if r < len(worlds) {
			cfg.World = worlds[r].String()
		}
		cfg.Rank = r
		cfg.DeviceIndex = r
		cfg.DefaultGroup = "pp"
		cfg.Peers = peers
		cfg.Groups = []p2p.GroupConfig{{Name: "pp", Ranks: ranks, DirectDevice: true}}
		cfgs[r] = cfg
	}
	return cfgs, lns
}

func connect(t *testing.T, cfgs []p2p.Config, lns []net.Listener) ([]*tcpnet.Node, error) {
	t.Helper()
	nodes := make([]*tcpnet.Node, len(cfgs))
	for r, cfg := range cfgs {
		n, err := tcpnet.NewNode(cfg, lns[r])
		if err != nil {
			t.Fatal(err)
		}
		nodes[r] = n
		t.Cleanup(func() { _ = n.Close() })
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var g errgroup.Group
	for r, n := range nodes {
		g.Go(func() error { return n.Connect(ctx, cfgs[r].Peers) })
	}
	return nodes, g.Wait()
}

func pipelines(t *testing.T, cfgs []p2p.Config, nodes []*tcpnet.Node) []*p2p.Pipeline {
	t.Helper()
	out := make([]*p2p.Pipeline, len(nodes))
	for r, cfg := range cfgs {
		topo, err := cfg.Topology()
		if err != nil {
			t.Fatal(err)
		}
		opts, err := cfg.Options()
		if err != nil {
			t.Fatal(err)
		}
		out[r] = p2p.NewPipeline(topo, nodes[r], opts...)
	}
	return out
}

func filled(shape []int, dt p2p.DType, dev p2p.Device, seed byte) *p2p.Buffer {
	b := p2p.NewBuffer(shape, dt, dev)
	for i := range b.Data {
		b.Data[i] = seed + byte(i)
	}
	return b
}

func TestPipelineOverTCP(t *testing.T) {
	skipRace(t)
	cfgs, lns := configs(t, 2)
	nodes, err := connect(t, cfgs, lns)
	if err != nil {
		t.Fatal(err)
	}
	ps := pipelines(t, cfgs, nodes)

	h := filled([]int{4, 8}, p2p.Float16, p2p.AcceleratorDevice(0), 3)
	d := p2p.NewDict()
	d.Set("hidden", h)

	var got p2p.Payload
	var g errgroup.Group
	g.Go(func() error { return ps[0].SendForward(d) })
	g.Go(func() (err error) { got, err = ps[1].RecvForward(); return err })
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got.Kind() != p2p.KindDict {
		t.Fatalf("got %s", got)
	}
	b, ok := got.Dict().Get("hidden")
	if !ok || !bytes.Equal(b.Data, h.Data) {
		t.Fatalf("hidden: got %v", b)
	}
	if b.Device != p2p.AcceleratorDevice(1) {
		t.Fatalf("device: got %s", b.Device)
	}

	var back p2p.Payload
	g = errgroup.Group{}
	g.Go(func() error { return ps[1].SendBackward(map[string]any{"step": 3}) })
	g.Go(func() (err error) { back, err = ps[0].RecvBackward(); return err })
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	m, ok := back.Value().(map[string]any)
	if back.Kind() != p2p.KindOpaque || !ok || m["step"] != 3 {
		t.Fatalf("got %s", back)
	}
}

func TestExchangeOverTCP(t *testing.T) {
	skipRace(t)
	cfgs, lns := configs(t, 2)
	nodes, err := connect(t, cfgs, lns)
	if err != nil {
		t.Fatal(err)
	}
	ps := pipelines(t, cfgs, nodes)
	x := filled([]int{2, 3, 4}, p2p.Float16, p2p.AcceleratorDevice(0), 1)
	y := filled([]int{1, 1, 8}, p2p.Float16, p2p.AcceleratorDevice(1), 50)

	var gotX, gotY *p2p.Buffer
	var g errgroup.Group
	g.Go(func() (err error) { gotY, err = ps[0].Exchange(x, true); return err })
	g.Go(func() (err error) { gotX, err = ps[1].Exchange(y, true); return err })
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotX.Data, x.Data) || !bytes.Equal(gotY.Data, y.Data) {
		t.Fatalf("got %v and %v", gotX, gotY)
	}
	if len(gotY.Shape) != 3 || gotY.Shape[2] != 8 {
		t.Fatalf("shape: got %v", gotY.Shape)
	}
	if nodes[0].Barriers() != 0 || nodes[1].Barriers() != 0 {
		t.Fatal("exchange synchronized")
	}
}

func TestWorldMismatch(t *testing.T) {
	skipRace(t)
	cfgs, lns := configs(t, 2, uuid.New(), uuid.New())
	if _, err := connect(t, cfgs, lns); err == nil {
		t.Fatal("ranks of different worlds connected")
	}
}

func TestClosedNode(t *testing.T) {
	skipRace(t)
	cfgs, lns := configs(t, 2)
	nodes, err := connect(t, cfgs, lns)
	if err != nil {
		t.Fatal(err)
	}
	if err := nodes[0].Close(); err != nil {
		t.Fatal(err)
	}
	g := p2p.NewStaticGroup("pp", []int{0, 1}, true)
	if _, err := nodes[0].ISend(filled([]int{1}, p2p.Uint8, p2p.HostDevice, 0), 1, g); !errors.Is(err, tcpnet.ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}

	// The peer sees its connection fail.
	f, err := nodes[1].IRecv(p2p.NewBuffer([]int{1}, p2p.Uint8, p2p.HostDevice), 0, g)
	if err != nil {
		t.Fatal(err)
	}
	if err := p2p.Wait(f); err == nil {
		t.Fatal("receive from a closed peer succeeded")
	}
}

func TestNodeNeedsWorld(t *testing.T) {
	cfgs, lns := configs(t, 1)
	defer lns[0].Close()
	cfgs[0].World = ""
	if _, err := tcpnet.NewNode(cfgs[0], lns[0]); !errors.Is(err, p2p.ErrConfiguration) {
		t.Fatalf("got %v, want ErrConfiguration", err)
	}
}

func TestFullInboxDoesNotBlockOtherGroups(t *testing.T) {
	skipRace(t)
	cfgs, lns := configs(t, 2)
	nodes, err := connect(t, cfgs, lns)
	if err != nil {
		t.Fatal(err)
	}
	ga := p2p.NewStaticGroup("a", []int{0, 1}, false)
	gb := p2p.NewStaticGroup("b", []int{0, 1}, false)
	const burst = 200

	var g errgroup.Group
	g.Go(func() error {
		var fs []p2p.Future
		for i := range burst {
			f, err := nodes[0].ISend(filled([]int{1}, p2p.Uint8, p2p.HostDevice, byte(i)), 1, ga)
			if err != nil {
				return err
			}
			fs = append(fs, f)
		}
		f, err := nodes[0].ISend(filled([]int{1}, p2p.Uint8, p2p.HostDevice, 42), 1, gb)
		if err != nil {
			return err
		}
		return p2p.WaitAll(append(fs, f))
	})
	g.Go(func() error {
		b := p2p.NewBuffer([]int{1}, p2p.Uint8, p2p.HostDevice)
		f, err := nodes[1].IRecv(b, 0, gb)
		if err != nil {
			return err
		}
		if err := p2p.Wait(f); err != nil {
			return err
		}
		if b.Data[0] != 42 {
			return errors.New("group b carried the wrong frame")
		}
		for i := range burst {
			b := p2p.NewBuffer([]int{1}, p2p.Uint8, p2p.HostDevice)
			f, err := nodes[1].IRecv(b, 0, ga)
			if err != nil {
				return err
			}
			if err := p2p.Wait(f); err != nil {
				return err
			}
			if b.Data[0] != byte(i) {
				return errors.New("group a frames out of order")
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
