// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package p2p moves buffers and arbitrary values between adjacent stages
// of a pipeline-parallel computation, as protocols of algebraic effects
// on [code.hybscloud.com/kont].
//
// A call sends a payload to one peer, receives one from another, or both.
// Buffer-shaped payloads travel as raw buffers preceded by a small
// metadata message; everything else travels through a [Codec].
//
// # Architecture
//
//   - Payloads: [Classify] tags a value as a buffer, a list or [Dict] of buffers, or opaque. [Metadata] describes what a receiver must allocate.
//   - Transport: [Transport] issues non-blocking operations whose [Future] reports [code.hybscloud.com/iox.ErrWouldBlock] while pending. Package loopback runs a world in one process over [code.hybscloud.com/lfq] queues; package tcpnet runs it over TCP.
//   - Rounds: every transport round is one [Batch] effect. Send and receive of a round are issued together so that two peers exchanging at once cannot deadlock.
//   - Errors: precondition failures are reported before any operation is issued. Transport failures abort the protocol and are returned unchanged.
//
// # API
//
//   - [Communicator.Communicate] runs one [Call]; [Communicator.Protocol] returns it unexecuted.
//   - [Pipeline] offers the stage-to-stage calls: [Pipeline.SendForward], [Pipeline.RecvBackward], [Pipeline.SendForwardRecvBackward] and their mirror images, plus [Pipeline.Exchange] for two-stage pipelines.
//   - [Communicator.BroadcastObjects] sends values from one member of a group to all others.
//
// # Integration
//
//   - Blocking: [Exec] waits past pending rounds using adaptive backoff.
//   - Stepping: [Step] and [Advance] evaluate a protocol one round at a time, for a proactor loop. [Interleave] runs two participants on one goroutine.
//   - Configuration: [LoadConfig] reads a TOML world description; [NewLogger] and [NewMetrics] provide zerolog and Prometheus instrumentation.
//
// # Example
//
//	w := loopback.NewWorld(2)
//	first, _ := w.Pipeline(0, true)
//	second, _ := w.Pipeline(1, true)
//	go first.SendForward(p2p.Float32Buffer([]int{2}, []float32{1, 2}, p2p.AcceleratorDevice(0)))
//	got, err := second.RecvForward()
package p2p
