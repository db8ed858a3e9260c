// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package p2p

import "errors"

// Precondition errors. They are returned before any transport operation is
// issued, so a call failing with one of them has transmitted nothing.
// Transport errors are returned unchanged.
var (
	// ErrConfiguration reports a call with neither peer, or a peer without a group.
	ErrConfiguration = errors.New("p2p: invalid configuration")
	// ErrProtocolViolation reports an opaque receive hint.
	ErrProtocolViolation = errors.New("p2p: protocol violation")
	// ErrUnsupportedPayload reports a payload the requested path cannot carry.
	ErrUnsupportedPayload = errors.New("p2p: unsupported payload type")
	// ErrUnsupportedMetadata reports buffer allocation from opaque metadata.
	ErrUnsupportedMetadata = errors.New("p2p: unsupported metadata")
	// ErrDeviceMismatch reports send and receive groups in different device domains.
	ErrDeviceMismatch = errors.New("p2p: device mismatch")
)
