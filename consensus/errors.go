// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import "errors"

// Input errors: state is left unchanged, the caller may drop or buffer
// the certificate and retry later.
var (
	ErrUnknownEpoch      = errors.New("consensus: certificate epoch does not match committee epoch")
	ErrUnknownParent     = errors.New("consensus: certificate references an unknown parent digest")
	ErrCertificateTooOld = errors.New("consensus: certificate round is at or below the GC round")
)

// Invariant violations: logged at error level and refused, but the
// engine itself does not crash — these indicate an upstream bug in
// certificate construction (equivocation, parents below quorum).
var (
	ErrEquivocation      = errors.New("consensus: duplicate (round, origin) with a different digest")
	ErrParentsBelowQuorum = errors.New("consensus: parent set stake is below the quorum threshold")
)

// ErrStorage wraps a persistence I/O failure. It is fatal: the caller
// must halt and restart through Recover rather than keep calling
// ProcessCertificate, since a partially-durable tip would let two
// runs of this engine disagree about what was committed.
var ErrStorage = errors.New("consensus: storage error, caller must halt and recover")
