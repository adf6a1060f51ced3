// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dagstore is the in-memory indexed certificate graph: a
// three-level index (round -> origin -> entry) plus a reverse
// digest -> (round, origin) map for O(1) parent resolution.
package dagstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eqlabs/bullshark-bft/types"
	"github.com/eqlabs/bullshark-bft/utils/set"
)

// Errors of the DAG store. The store only reports them; the caller
// decides how to classify and handle each one (the consensus engine
// treats ErrAlreadyPresent as an equivocation invariant violation).
var (
	// ErrAlreadyPresent is returned when (round, origin) is occupied by a
	// certificate with a different digest — equivocation, which upstream
	// is supposed to have filtered; the store refuses to silently pick one.
	ErrAlreadyPresent = errors.New("dagstore: round/origin already occupied by a different certificate")
	// ErrBelowGC is returned when inserting at or below the current GC round.
	ErrBelowGC = errors.New("dagstore: certificate round is at or below the GC round")
	// ErrUnknownParent names a digest that is not indexed. No Store method
	// returns it: Insert does not resolve parents.
	ErrUnknownParent = errors.New("dagstore: unknown parent digest")
)

type location struct {
	round  types.Round
	origin types.AuthorityID
}

// Store is the DAG store. Zero value is not usable; use New.
type Store struct {
	mu sync.RWMutex

	// byRoundOrigin[round][origin] = certificate
	byRoundOrigin map[types.Round]map[types.AuthorityID]*types.Certificate
	// byDigest maps a digest to where it lives, for O(1) parent resolution.
	byDigest map[types.Digest]location

	gcRound types.Round
}

// New returns an empty store.
func New() *Store {
	return &Store{
		byRoundOrigin: make(map[types.Round]map[types.AuthorityID]*types.Certificate),
		byDigest:      make(map[types.Digest]location),
	}
}

// Insert adds cert to the store. Idempotent on re-insertion of an
// identical digest at the same (round, origin); fails with
// ErrAlreadyPresent on equivocation and ErrBelowGC on stale rounds.
func (s *Store) Insert(cert *types.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Round-0 genesis certificates are synthesized once at bootstrap,
	// before any real commit has advanced gcRound past its initial 0;
	// without this exception the literal round<=gcRound rule would
	// reject genesis on every fresh store.
	isBootstrapGenesis := cert.Round == 0 && s.gcRound == 0
	if cert.Round <= s.gcRound && !isBootstrapGenesis {
		return fmt.Errorf("%w: round %d <= gc round %d", ErrBelowGC, cert.Round, s.gcRound)
	}

	digest := cert.Digest()
	byOrigin, ok := s.byRoundOrigin[cert.Round]
	if !ok {
		byOrigin = make(map[types.AuthorityID]*types.Certificate)
		s.byRoundOrigin[cert.Round] = byOrigin
	}

	if existing, present := byOrigin[cert.Origin]; present {
		if existing.Digest() == digest {
			return nil // idempotent re-insert
		}
		return fmt.Errorf("%w: round %d origin %d", ErrAlreadyPresent, cert.Round, cert.Origin)
	}

	byOrigin[cert.Origin] = cert
	s.byDigest[digest] = location{round: cert.Round, origin: cert.Origin}
	return nil
}

// GetByDigest returns the certificate with the given digest, if present.
func (s *Store) GetByDigest(digest types.Digest) (*types.Certificate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.byDigest[digest]
	if !ok {
		return nil, false
	}
	return s.byRoundOrigin[loc.round][loc.origin], true
}

// CertificatesAtRound returns all (origin, certificate) pairs at round.
func (s *Store) CertificatesAtRound(round types.Round) map[types.AuthorityID]*types.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byOrigin := s.byRoundOrigin[round]
	out := make(map[types.AuthorityID]*types.Certificate, len(byOrigin))
	for origin, cert := range byOrigin {
		out[origin] = cert
	}
	return out
}

// GCRound returns the current GC round.
func (s *Store) GCRound() types.Round {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gcRound
}

// HasPath reports whether from causally reaches to via parent pointers:
// a bounded reverse BFS from from down to to.Round, pruning at the GC
// round and at any round below to.Round — both bounds are required for
// correctness (the former for memory safety, the latter because a path
// can never need to visit a round strictly below its target).
func (s *Store) HasPath(from, to *types.Certificate) bool {
	if from.Digest() == to.Digest() {
		return true
	}
	if from.Round <= to.Round {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	visited := set.Of(from.Digest())
	frontier := []*types.Certificate{from}

	for len(frontier) > 0 {
		var next []*types.Certificate
		for _, cert := range frontier {
			for _, parentDigest := range cert.Parents {
				if parentDigest == to.Digest() {
					return true
				}
				if visited.Contains(parentDigest) {
					continue
				}
				loc, ok := s.byDigest[parentDigest]
				if !ok || loc.round < to.Round || loc.round <= s.gcRound {
					continue
				}
				parent := s.byRoundOrigin[loc.round][loc.origin]
				if parent == nil {
					continue
				}
				visited.Add(parentDigest)
				next = append(next, parent)
			}
		}
		frontier = next
	}
	return false
}

// PruneBelow removes all certificates at round <= gcRound and any
// dangling digest index entries, advancing the store's GC round.
// It is a caller error to call PruneBelow with a round lower than the
// store's current GC round; the call is ignored in that case since GC
// round must never decrease.
func (s *Store) PruneBelow(gcRound types.Round) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gcRound <= s.gcRound {
		return
	}
	s.gcRound = gcRound

	for round, byOrigin := range s.byRoundOrigin {
		if round > gcRound {
			continue
		}
		for _, cert := range byOrigin {
			delete(s.byDigest, cert.Digest())
		}
		delete(s.byRoundOrigin, round)
	}
}
