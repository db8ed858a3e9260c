// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Config is the TOML description of one participant and its world.
//
//	world = "6f1c..."
//	rank = 0
//	device_index = 0
//	default_group = "pp"
//	comm_dtype = "float16"
//
//	[[peers]]
//	rank = 0
//	addr = "10.0.0.1:29500"
//
//	[[groups]]
//	name = "pp"
//	ranks = [0, 1]
//	direct_device = true
//
// Peers list the pipeline stages in order.
type Config struct {
	World        string        `toml:"world"`
	Rank         int           `toml:"rank"`
	DeviceIndex  int           `toml:"device_index"`
	DefaultGroup string        `toml:"default_group"`
	CommDType    string        `toml:"comm_dtype"`
	Log          LogConfig     `toml:"log"`
	Peers        []PeerConfig  `toml:"peers"`
	Groups       []GroupConfig `toml:"groups"`
}

// PeerConfig locates one participant.
type PeerConfig struct {
	Rank int    `toml:"rank"`
	Addr string `toml:"addr"`
}

// GroupConfig declares one communication group.
type GroupConfig struct {
	Name         string `toml:"name"`
	Ranks        []int  `toml:"ranks"`
	DirectDevice bool   `toml:"direct_device"`
}

// DefaultConfig returns the values used for keys a file leaves out.
func DefaultConfig() Config {
	return Config{
		DeviceIndex: -1,
		CommDType:   Float16.String(),
	}
}

// LoadConfig reads and validates the TOML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load p2p config: %w", err)
	}
	return ParseConfig(string(data))
}

// ParseConfig decodes and validates a TOML document. Unknown keys are
// rejected.
func ParseConfig(doc string) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.Decode(doc, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse p2p config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrConfiguration, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the config describes a consistent world.
func (c Config) Validate() error {
	if c.World != "" {
		if _, err := uuid.Parse(c.World); err != nil {
			return fmt.Errorf("%w: world %q: %v", ErrConfiguration, c.World, err)
		}
	}
	if _, err := ParseDType(c.CommDType); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("%w: no peers", ErrConfiguration)
	}
	known := make(map[int]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.Rank < 0 {
			return fmt.Errorf("%w: negative peer rank %d", ErrConfiguration, p.Rank)
		}
		if known[p.Rank] {
			return fmt.Errorf("%w: duplicate peer rank %d", ErrConfiguration, p.Rank)
		}
		known[p.Rank] = true
	}
	if !known[c.Rank] {
		return fmt.Errorf("%w: rank %d is not among the peers", ErrConfiguration, c.Rank)
	}
	names := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		if g.Name == "" {
			return fmt.Errorf("%w: group without a name", ErrConfiguration)
		}
		if names[g.Name] {
			return fmt.Errorf("%w: duplicate group %q", ErrConfiguration, g.Name)
		}
		names[g.Name] = true
		for _, r := range g.Ranks {
			if !known[r] {
				return fmt.Errorf("%w: group %q names unknown rank %d", ErrConfiguration, g.Name, r)
			}
		}
	}
	if c.DefaultGroup != "" && !names[c.DefaultGroup] {
		return fmt.Errorf("%w: default group %q is not declared", ErrConfiguration, c.DefaultGroup)
	}
	return nil
}

// WorldID returns the parsed world identifier, or uuid.Nil when unset.
func (c Config) WorldID() uuid.UUID {
	id, err := uuid.Parse(c.World)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// Stages returns the ranks of Peers in pipeline order.
func (c Config) Stages() []int {
	out := make([]int, len(c.Peers))
	for i, p := range c.Peers {
		out[i] = p.Rank
	}
	return out
}

// StaticGroups builds the declared groups.
func (c Config) StaticGroups() []*StaticGroup {
	out := make([]*StaticGroup, len(c.Groups))
	for i, g := range c.Groups {
		out[i] = NewStaticGroup(g.Name, g.Ranks, g.DirectDevice)
	}
	return out
}

// Topology returns the local participant's topology.
func (c Config) Topology() (*StaticTopology, error) {
	return NewStaticTopology(c.Rank, c.Stages(), c.StaticGroups()...)
}

// Options returns the communicator options the config implies. The logger
// writes to standard error.
func (c Config) Options() ([]Option, error) {
	dt, err := ParseDType(c.CommDType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	opts := []Option{
		WithRank(c.Rank),
		WithDevice(NewLocalDevice(c.DeviceIndex)),
		WithCommDType(dt),
		WithLogger(NewLogger(os.Stderr, c.Log)),
	}
	if c.DefaultGroup != "" {
		for _, g := range c.StaticGroups() {
			if g.Name() == c.DefaultGroup {
				opts = append(opts, WithDefaultGroup(g))
			}
		}
	}
	return opts, nil
}
