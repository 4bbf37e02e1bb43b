// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package switchboard

import "errors"

var (
	ErrMalformed   = errors.New("packet: malformed message")
	ErrUnknownKind = errors.New("packet: unknown kind")

	ErrNotAuthenticated = errors.New("auth: connection is not authenticated")
	ErrBadSecret        = errors.New("auth: invalid shared secret")

	ErrOrphanReply        = errors.New("route: no pending call for reply")
	ErrServiceUnavailable = errors.New("route: service did not register in time")

	ErrClosed           = errors.New("conn: connection is closed")
	ErrHeartbeatTimeout = errors.New("conn: heartbeat timeout")
	ErrFrameTooLarge    = errors.New("conn: frame exceeds size limit")
)
