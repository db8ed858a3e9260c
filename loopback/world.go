// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package loopback is an in-process p2p.Transport. Every rank of a World
// lives in the same process and drives its Transport from its own
// goroutine; messages travel over bounded lock-free SPSC queues.
package loopback

import (
	"fmt"
	"sync"

	"code.hybscloud.com/lfq"
	"code.hybscloud.com/p2p"
	"github.com/google/uuid"
)

// defaultCapacity is the bounded capacity of each link queue. It must be
// a power of two.
const defaultCapacity = 16

// World is a set of ranks connected pairwise by links.
type World struct {
	id       uuid.UUID
	size     int
	capacity int
	devices  map[int]int

	mu         sync.Mutex
	links      map[linkKey]*link
	transports []*Transport
}

// Option configures a World.
type Option func(*World)

// WithCapacity sets the queue capacity of every link.
func WithCapacity(n int) Option {
	return func(w *World) { w.capacity = n }
}

// WithDeviceIndex binds rank to accelerator index. A negative index binds
// it to host memory. By default rank r uses accelerator r.
func WithDeviceIndex(rank, index int) Option {
	return func(w *World) { w.devices[rank] = index }
}

// NewWorld returns a world of n ranks.
func NewWorld(n int, opts ...Option) *World {
	w := &World{
		id:       uuid.New(),
		size:     n,
		capacity: defaultCapacity,
		devices:  make(map[int]int),
		links:    make(map[linkKey]*link),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.transports = make([]*Transport, n)
	for r := range w.transports {
		w.transports[r] = newTransport(w, r)
	}
	return w
}

// ID returns the world's identifier.
func (w *World) ID() uuid.UUID { return w.id }

// Size returns the number of ranks.
func (w *World) Size() int { return w.size }

func (w *World) String() string { return fmt.Sprintf("loopback(%s, %d ranks)", w.id, w.size) }

// Transport returns the transport of rank. It must only be driven from
// that rank's goroutine.
func (w *World) Transport(rank int) *Transport { return w.transports[rank] }

// Device returns the device context of rank.
func (w *World) Device(rank int) p2p.LocalDevice {
	if idx, ok := w.devices[rank]; ok {
		return p2p.NewLocalDevice(idx)
	}
	return p2p.NewLocalDevice(rank)
}

// Group returns a group over ranks.
func (w *World) Group(name string, ranks []int, direct bool) *p2p.StaticGroup {
	return p2p.NewStaticGroup(name, ranks, direct)
}

// Topology returns the topology of rank in a linear pipeline over all
// ranks, with one group per neighbouring pair. The last stage's
// next rank wraps to the first.
func (w *World) Topology(rank int, direct bool) (*p2p.StaticTopology, error) {
	stages := make([]int, w.size)
	for i := range stages {
		stages[i] = i
	}
	pair := func(a, b int) *p2p.StaticGroup {
		return w.Group(fmt.Sprintf("pp-%d-%d", a, b), []int{a, b}, direct)
	}
	groups := make([]*p2p.StaticGroup, 0, w.size)
	for i := 0; i+1 < w.size; i++ {
		groups = append(groups, pair(i, i+1))
	}
	if w.size > 2 {
		groups = append(groups, pair(0, w.size-1))
	}
	return p2p.NewStaticTopology(rank, stages, groups...)
}

// Pipeline returns the pipeline endpoint of rank over a linear topology.
// opts follow the rank's device binding.
func (w *World) Pipeline(rank int, direct bool, opts ...p2p.Option) (*p2p.Pipeline, error) {
	topo, err := w.Topology(rank, direct)
	if err != nil {
		return nil, err
	}
	opts = append([]p2p.Option{p2p.WithDevice(w.Device(rank))}, opts...)
	return p2p.NewPipeline(topo, w.Transport(rank), opts...), nil
}

type linkKey struct {
	src, dst int
	group    string
}

// link carries messages from one rank to another within one group.
// The source rank is the only producer and the destination rank the only
// consumer.
type link struct {
	q lfq.SPSC[message]
}

type message struct {
	data []byte
}

func (w *World) link(k linkKey) *link {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.links[k]
	if !ok {
		l = &link{}
		l.q.Init(w.capacity)
		w.links[k] = l
	}
	return l
}
