// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import "github.com/eqlabs/bullshark-bft/types"

// CommittedSubDag is an ordered sequence of certificates committed as a
// unit, plus the anchor that triggered the commit and a monotonically
// increasing index. Ordering within Certificates is a pure function of
// the DAG (round ascending, then origin ascending, anchor last) — no
// arrival order ever leaks into it, which is what makes the commit
// sequence identical across replicas that saw certificates in different
// orders.
type CommittedSubDag struct {
	Anchor       *types.Certificate
	Certificates []*types.Certificate
	SubDagIndex  uint64
}

// NumCertificates returns the number of certificates in the sub-DAG,
// including the anchor.
func (c *CommittedSubDag) NumCertificates() int {
	return len(c.Certificates)
}
