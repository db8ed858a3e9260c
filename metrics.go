// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Call paths reported in the "path" label.
const (
	pathSend      = "send"
	pathRecv      = "recv"
	pathSendRecv  = "send_recv"
	pathSplit     = "split"
	pathExchange  = "exchange"
	pathBroadcast = "broadcast"
)

// Metrics holds the Prometheus collectors of a Communicator.
// A nil *Metrics records nothing.
type Metrics struct {
	ops      *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	barriers prometheus.Counter
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "p2p",
				Subsystem: "transport",
				Name:      "ops_total",
				Help:      "Point-to-point operations issued.",
			},
			[]string{"kind"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "p2p",
				Subsystem: "transport",
				Name:      "bytes_total",
				Help:      "Buffer bytes issued to the transport.",
			},
			[]string{"kind"},
		),
		barriers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "p2p",
				Subsystem: "transport",
				Name:      "barriers_total",
				Help:      "Device barriers after completed rounds.",
			},
		),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "p2p",
				Subsystem: "exchange",
				Name:      "calls_total",
				Help:      "Completed communicate calls.",
			},
			[]string{"path", "success"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "p2p",
				Subsystem: "exchange",
				Name:      "call_duration_seconds",
				Help:      "Communicate call duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.ops, m.bytes, m.barriers, m.calls, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("p2p: register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) observeBatch(ops []Op) {
	if m == nil {
		return
	}
	for _, op := range ops {
		kind := op.Kind.String()
		m.ops.WithLabelValues(kind).Inc()
		if op.Buffer != nil {
			m.bytes.WithLabelValues(kind).Add(float64(len(op.Buffer.Data)))
		}
	}
}

func (m *Metrics) observeBarrier() {
	if m == nil {
		return
	}
	m.barriers.Inc()
}

func (m *Metrics) observeCall(path string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(path, strconv.FormatBool(err == nil)).Inc()
	m.duration.WithLabelValues(path).Observe(d.Seconds())
}
