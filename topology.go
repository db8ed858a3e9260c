// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"fmt"
	"slices"
)

// StaticGroup is a Group with a fixed member list.
type StaticGroup struct {
	name   string
	ranks  []int
	direct bool
}

// NewStaticGroup returns a group named name over ranks. direct marks a
// backend that moves accelerator memory itself.
func NewStaticGroup(name string, ranks []int, direct bool) *StaticGroup {
	return &StaticGroup{name: name, ranks: slices.Clone(ranks), direct: direct}
}

func (g *StaticGroup) Name() string           { return g.name }
func (g *StaticGroup) Contains(rank int) bool { return slices.Contains(g.ranks, rank) }
func (g *StaticGroup) DirectDevice() bool     { return g.direct }

// Ranks returns the members in declaration order.
func (g *StaticGroup) Ranks() []int { return slices.Clone(g.ranks) }

func (g *StaticGroup) String() string { return fmt.Sprintf("group(%s %v)", g.name, g.ranks) }

// StaticTopology is a Topology over a fixed stage order. The order wraps
// around: the first stage's previous rank is the last stage.
type StaticTopology struct {
	rank   int
	pos    int
	stages []int
	groups []*StaticGroup
}

// NewStaticTopology places rank within stages. Group lookups pick the
// first of groups containing both ranks.
func NewStaticTopology(rank int, stages []int, groups ...*StaticGroup) (*StaticTopology, error) {
	pos := slices.Index(stages, rank)
	if pos < 0 {
		return nil, fmt.Errorf("%w: rank %d is not a pipeline stage", ErrConfiguration, rank)
	}
	return &StaticTopology{rank: rank, pos: pos, stages: slices.Clone(stages), groups: groups}, nil
}

func (t *StaticTopology) Rank() int      { return t.rank }
func (t *StaticTopology) NumStages() int { return len(t.stages) }

func (t *StaticTopology) PrevRank() int {
	n := len(t.stages)
	return t.stages[(t.pos-1+n)%n]
}

func (t *StaticTopology) NextRank() int {
	return t.stages[(t.pos+1)%len(t.stages)]
}

// IsFirst reports whether the local rank is the first stage.
func (t *StaticTopology) IsFirst() bool { return t.pos == 0 }

// IsLast reports whether the local rank is the last stage.
func (t *StaticTopology) IsLast() bool { return t.pos == len(t.stages)-1 }

// Group returns the group connecting a and b.
func (t *StaticTopology) Group(a, b int) (Group, error) {
	for _, g := range t.groups {
		if g.Contains(a) && g.Contains(b) {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%w: no group connects ranks %d and %d", ErrConfiguration, a, b)
}
