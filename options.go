// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import "github.com/rs/zerolog"

// Option configures a [Communicator] or [Pipeline].
type Option func(*options)

type options struct {
	device       DeviceContext
	codec        Codec
	defaultGroup Group
	logger       zerolog.Logger
	metrics      *Metrics
	rank         int
	commDType    DType
	maxObject    int64
}

// DefaultMaxObjectBytes bounds the encoded size of a received object.
const DefaultMaxObjectBytes = 1 << 30

func defaultOptions() options {
	return options{
		device:    NewLocalDevice(-1),
		codec:     GobCodec{},
		logger:    zerolog.Nop(),
		rank:      -1,
		commDType: Float16,
		maxObject: DefaultMaxObjectBytes,
	}
}

// WithDevice sets the local device context. The default is host memory.
func WithDevice(d DeviceContext) Option {
	return func(o *options) { o.device = d }
}

// WithCodec replaces the opaque value codec. The default is [GobCodec].
func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithDefaultGroup sets the group used by routes that carry none.
func WithDefaultGroup(g Group) Option {
	return func(o *options) { o.defaultGroup = g }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records calls and transport rounds in m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRank sets the local rank. Broadcasts need it; log lines carry it.
func WithRank(rank int) Option {
	return func(o *options) { o.rank = rank }
}

// WithCommDType sets the element type of two-stage exchanges.
// The default is Float16.
func WithCommDType(dt DType) Option {
	return func(o *options) { o.commDType = dt }
}

// WithMaxObjectBytes bounds the encoded size of objects and object
// broadcasts a peer may announce. Larger announcements fail the call with
// ErrProtocolViolation before anything is allocated.
func WithMaxObjectBytes(n int64) Option {
	return func(o *options) { o.maxObject = n }
}

// CallOption configures one [Pipeline] call.
type CallOption func(*callOptions)

type callOptions struct {
	peer         int
	hasPeer      bool
	sendMetadata bool
	hint         *Metadata
	dtype        DType
}

// Peer overrides the neighbour rank of a call.
func Peer(rank int) CallOption {
	return func(o *callOptions) { o.peer, o.hasPeer = rank, true }
}

// RecvMetadata supplies the metadata of the expected payload so that no
// metadata is exchanged on receive.
func RecvMetadata(m Metadata) CallOption {
	return func(o *callOptions) { o.hint = &m }
}

// SendMetadata selects whether a send transmits metadata first. It is on
// by default; turning it off requires the receiver to pass RecvMetadata.
func SendMetadata(on bool) CallOption {
	return func(o *callOptions) { o.sendMetadata = on }
}

// CommDType overrides the element type of one two-stage exchange.
func CommDType(dt DType) CallOption {
	return func(o *callOptions) { o.dtype = dt }
}

func (o callOptions) peerOr(rank int) int {
	if o.hasPeer {
		return o.peer
	}
	return rank
}
