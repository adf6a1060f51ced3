// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types holds the certificate and digest types the commit rule
// reasons about. A Certificate is immutable once constructed; only its
// lazily-computed digest is mutated, exactly once, under a sync.Once.
package types

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/crypto/hashing"
)

// Digest is a collision-resistant hash of a certificate's canonical
// encoding. The zero Digest never occurs for a constructed certificate.
type Digest [32]byte

// Empty is the zero digest. Genesis certificates have no parents, so
// it never appears as a parent slot.
var Empty Digest

func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:4])
}

// Compare gives a total order over digests, used by NewCertificate to
// sort parents into a canonical order.
func (d Digest) Compare(other Digest) int {
	for i := range d {
		if d[i] != other[i] {
			if d[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Round is the DAG height. Round 0 is reserved for synthesized genesis
// certificates; round 1 is the first certificates an honest validator
// actually proposes.
type Round uint64

// Epoch identifies a committee configuration.
type Epoch uint64

// AuthorityID is the dense, zero-based identifier of a committee member.
type AuthorityID uint32

// Certificate is the capability surface the engine reads from a block
// certificate, regardless of its on-wire version (see the "polymorphic
// certificate versions" design note — this struct plays the role of the
// tagged sum's shared surface).
type Certificate struct {
	Round      Round
	Epoch      Epoch
	Origin     AuthorityID
	Parents    []Digest // certificates of Round-1; empty iff Round == 0
	PayloadRef []byte   // opaque to this engine

	once   sync.Once
	digest Digest
}

// NewCertificate constructs a certificate. Parents are copied and sorted
// so that Digest() is independent of caller-supplied parent order.
func NewCertificate(round Round, epoch Epoch, origin AuthorityID, parents []Digest, payloadRef []byte) *Certificate {
	sorted := append([]Digest(nil), parents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })
	return &Certificate{
		Round:      round,
		Epoch:      epoch,
		Origin:     origin,
		Parents:    sorted,
		PayloadRef: payloadRef,
	}
}

// Genesis synthesizes the deterministic round-0 certificate for an
// authority. Genesis certificates have no parents and carry no payload.
func Genesis(epoch Epoch, origin AuthorityID) *Certificate {
	return NewCertificate(0, epoch, origin, nil, nil)
}

// Bytes returns the canonical encoding used to compute the digest. The
// encoding is deliberately simple (fixed-width fields, sorted parents)
// rather than a general-purpose serialization format — it only needs to
// be stable, not self-describing; the codec package owns wire framing.
func (c *Certificate) Bytes() []byte {
	buf := make([]byte, 0, 8+8+4+len(c.Parents)*32+len(c.PayloadRef))
	var tmp [8]byte

	binary.BigEndian.PutUint64(tmp[:], uint64(c.Round))
	buf = append(buf, tmp[:]...)

	binary.BigEndian.PutUint64(tmp[:], uint64(c.Epoch))
	buf = append(buf, tmp[:]...)

	var tmp4 [4]byte
	binary.BigEndian.PutUint32(tmp4[:], uint32(c.Origin))
	buf = append(buf, tmp4[:]...)

	for _, p := range c.Parents {
		buf = append(buf, p[:]...)
	}
	buf = append(buf, c.PayloadRef...)
	return buf
}

// Digest computes (and caches) the certificate's digest.
func (c *Certificate) Digest() Digest {
	c.once.Do(func() {
		c.digest = Digest(hashing.ComputeHash256Array(c.Bytes()))
	})
	return c.digest
}
