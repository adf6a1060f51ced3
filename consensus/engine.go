// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package consensus implements the Bullshark commit rule: leader
// election per even round, anchor commitment via f+1 support from the
// next odd round, recursive ordering of an anchor's causal history, and
// the garbage collection that bounds the DAG store's memory.
package consensus

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	golog "github.com/luxfi/log"

	"github.com/eqlabs/bullshark-bft/committee"
	"github.com/eqlabs/bullshark-bft/dagstore"
	"github.com/eqlabs/bullshark-bft/types"
	"github.com/eqlabs/bullshark-bft/utils/bag"
	"github.com/eqlabs/bullshark-bft/utils/set"
)

// Outcome classifies the result of ProcessCertificate.
type Outcome int

const (
	// Skipped means the certificate was below the GC round and ignored.
	Skipped Outcome = iota
	// Accepted means the certificate was stored but triggered no commit.
	// It is also the outcome returned with every error other than
	// ErrCertificateTooOld; the error then tells whether the certificate
	// was refused (and not stored) or its commit failed to persist.
	Accepted
	// AcceptedWithCommit means the certificate was stored and triggered
	// one or more sub-DAG commits.
	AcceptedWithCommit
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "Skipped"
	case Accepted:
		return "Accepted"
	case AcceptedWithCommit:
		return "AcceptedWithCommit"
	default:
		return "Unknown"
	}
}

// PersistentStore is the durability boundary the engine writes through.
// Implementations live in package storage; consensus only depends on
// this narrow interface to avoid an import cycle (storage depends on
// consensus for State/CommittedSubDag, not the other way around).
type PersistentStore interface {
	// Persist atomically durably records the new tip state and every
	// sub-DAG emitted by the call that produced it. A non-nil error is
	// always fatal to the engine (see ErrStorage).
	Persist(state *State, emitted []CommittedSubDag) error
}

// Config configures a new Engine.
type Config struct {
	Committee             *committee.Committee
	GCDepth               uint64
	NumSubDagsPerSchedule uint64
	Logger                golog.Logger
}

// Engine is the commit-rule engine. It is single-threaded by contract:
// ProcessCertificate must never be called concurrently with itself. The
// mutex below is a defensive idiom, not a concurrency feature — it
// turns an accidental concurrent call into a blocked goroutine instead
// of a data race, nothing more.
type Engine struct {
	mu sync.Mutex

	committee *committee.Committee
	dag       *dagstore.Store
	state     *State
	store     PersistentStore
	log       golog.Logger

	numSubDagsPerSchedule uint64
}

// New constructs an Engine with fresh state (round 0, nothing committed)
// and inserts the committee's synthesized genesis certificates.
func New(cfg Config, store PersistentStore) (*Engine, error) {
	if cfg.Committee == nil {
		return nil, fmt.Errorf("consensus: nil committee")
	}
	if cfg.GCDepth == 0 {
		return nil, fmt.Errorf("consensus: gc depth must be >= 1")
	}
	if cfg.NumSubDagsPerSchedule == 0 {
		return nil, fmt.Errorf("consensus: num sub-dags per schedule must be >= 1")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = golog.NewNoOpLogger()
	}

	e := &Engine{
		committee:             cfg.Committee,
		dag:                   dagstore.New(),
		state:                 NewState(cfg.GCDepth),
		store:                 store,
		log:                   logger,
		numSubDagsPerSchedule: cfg.NumSubDagsPerSchedule,
	}

	for _, a := range cfg.Committee.Authorities() {
		if err := e.dag.Insert(types.Genesis(cfg.Committee.Epoch(), a.ID)); err != nil {
			return nil, fmt.Errorf("consensus: inserting genesis for authority %d: %w", a.ID, err)
		}
	}
	return e, nil
}

// Resume builds an Engine from already-recovered state and DAG store,
// used after a restart: storage.Recover produces the State, and the
// caller replays surviving certificates into the DAG store before
// resuming normal operation.
func Resume(cfg Config, store PersistentStore, state *State, dag *dagstore.Store) (*Engine, error) {
	if state == nil {
		return nil, fmt.Errorf("consensus: nil recovered state")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = golog.NewNoOpLogger()
	}
	return &Engine{
		committee:             cfg.Committee,
		dag:                   dag,
		state:                 state,
		store:                 store,
		log:                   logger,
		numSubDagsPerSchedule: cfg.NumSubDagsPerSchedule,
	}, nil
}

// State returns the engine's live running state, read-only by
// convention; later ProcessCertificate calls keep updating it. Callers
// must not mutate it or the map it contains.
func (e *Engine) State() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// DAG exposes the underlying store for read-only inspection (e.g. a CLI
// status reporter). It must not be written to outside the engine.
func (e *Engine) DAG() *dagstore.Store {
	return e.dag
}

// ProcessCertificate runs the commit rule's admission, insertion, commit
// trigger, support check, anchor chain, ordering, and GC steps against a
// single newly-arrived, already-authenticated certificate.
func (e *Engine) ProcessCertificate(cert *types.Certificate) (Outcome, []CommittedSubDag, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: admission.
	if cert.Round <= e.state.GCRound {
		return Skipped, nil, ErrCertificateTooOld
	}
	if cert.Epoch != e.committee.Epoch() {
		return Accepted, nil, fmt.Errorf("%w: cert epoch %d, committee epoch %d", ErrUnknownEpoch, cert.Epoch, e.committee.Epoch())
	}

	if err := e.validateParents(cert); err != nil {
		e.log.Error("refusing certificate: invariant violation", "error", err)
		return Accepted, nil, err
	}

	if err := e.dag.Insert(cert); err != nil {
		if errors.Is(err, dagstore.ErrAlreadyPresent) {
			e.log.Error("refusing certificate: equivocation", "error", err)
			return Accepted, nil, fmt.Errorf("%w: %v", ErrEquivocation, err)
		}
		if errors.Is(err, dagstore.ErrBelowGC) {
			return Skipped, nil, ErrCertificateTooOld
		}
		return Accepted, nil, fmt.Errorf("consensus: dag insert: %w", err)
	}

	// Step 2-5: commit trigger, support check, anchor chain, ordering.
	emitted, err := e.tryCommit(cert.Round)
	if err != nil {
		return Accepted, nil, err
	}
	if len(emitted) == 0 {
		return Accepted, nil, nil
	}

	// Step 8: persist before returning success.
	if err := e.store.Persist(e.state.clone(), emitted); err != nil {
		return Accepted, nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	return AcceptedWithCommit, emitted, nil
}

// validateParents checks the DAG-construction invariants this engine
// relies on: every parent digest must already be indexed, and
// non-genesis parents must carry combined stake at or above the
// quorum threshold.
func (e *Engine) validateParents(cert *types.Certificate) error {
	if cert.Round == 0 {
		return nil // genesis, no parents expected
	}
	var stake uint64
	for _, pd := range cert.Parents {
		parent, ok := e.dag.GetByDigest(pd)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParent, pd)
		}
		if parent.Round != cert.Round-1 {
			return fmt.Errorf("%w: parent %s is round %d, expected %d", ErrUnknownParent, pd, parent.Round, cert.Round-1)
		}
		stake += e.committee.Stake(parent.Origin)
	}
	if cert.Round > 1 && !e.committee.ReachedQuorum(stake) {
		return fmt.Errorf("%w: parent stake %d < quorum %d", ErrParentsBelowQuorum, stake, e.committee.QuorumThreshold())
	}
	return nil
}

// tryCommit implements steps 2-7 of the algorithm for the certificate
// just accepted at round r.
func (e *Engine) tryCommit(r types.Round) ([]CommittedSubDag, error) {
	if r < 3 || r%2 == 0 {
		return nil, nil // only odd rounds >= 3 can trigger a commit
	}
	anchorRound := r - 1

	leaderID, ok := e.committee.Leader(anchorRound, e.state.ScheduleEpoch)
	if !ok {
		return nil, nil
	}
	anchor, ok := e.dag.CertificatesAtRound(anchorRound)[leaderID]
	if !ok {
		return nil, nil // leader absent at anchorRound: nothing to check yet
	}

	// Step 3: support check — stake at round r referencing the anchor.
	voters := bag.NewStake[types.AuthorityID]()
	for origin, voter := range e.dag.CertificatesAtRound(r) {
		for _, p := range voter.Parents {
			if p == anchor.Digest() {
				voters.Add(origin, e.committee.Stake(origin))
				break
			}
		}
	}
	if !e.committee.ReachedValidity(voters.Total()) {
		return nil, nil
	}
	if anchorRound <= e.state.LastCommittedRound {
		return nil, nil
	}

	// Step 4: anchor chain — walk backwards over even rounds, keeping
	// only anchors the top anchor causally reaches.
	type chainEntry struct {
		round  types.Round
		anchor *types.Certificate
	}
	var chain []chainEntry
	for round := anchorRound; round > e.state.LastCommittedRound; round -= 2 {
		id, ok := e.committee.Leader(round, e.state.ScheduleEpoch)
		if !ok {
			continue
		}
		cand, ok := e.dag.CertificatesAtRound(round)[id]
		if !ok {
			continue // leader absent: permanently skipped
		}
		if round != anchorRound && !e.dag.HasPath(anchor, cand) {
			continue // not reachable from the top anchor: permanently skipped
		}
		chain = append(chain, chainEntry{round: round, anchor: cand})
	}
	// chain was built newest-first; emit oldest-first.
	sort.Slice(chain, func(i, j int) bool { return chain[i].round < chain[j].round })

	emitted := make([]CommittedSubDag, 0, len(chain))
	for _, entry := range chain {
		subdag := e.linearize(entry.anchor)
		e.advanceCommit(entry.anchor, subdag)
		emitted = append(emitted, CommittedSubDag{
			Anchor:       entry.anchor,
			Certificates: subdag,
			SubDagIndex:  e.state.SubDagIndex,
		})
	}
	return emitted, nil
}

// linearize computes the deterministic total order of the sub-DAG rooted
// at anchor: every certificate causally reachable from anchor that has
// not already been committed, ordered by (round asc, origin asc), with
// the anchor appended last.
func (e *Engine) linearize(anchor *types.Certificate) []*types.Certificate {
	visited := set.Of(anchor.Digest())
	var reachable []*types.Certificate
	frontier := []*types.Certificate{anchor}

	for len(frontier) > 0 {
		var next []*types.Certificate
		for _, cert := range frontier {
			for _, pd := range cert.Parents {
				if visited.Contains(pd) {
					continue
				}
				parent, ok := e.dag.GetByDigest(pd)
				if !ok {
					continue
				}
				visited.Add(pd)
				if alreadyCommitted, ok := e.state.LastCommittedPerOrigin[parent.Origin]; ok && parent.Round <= alreadyCommitted {
					continue
				}
				reachable = append(reachable, parent)
				next = append(next, parent)
			}
		}
		frontier = next
	}

	sort.Slice(reachable, func(i, j int) bool {
		if reachable[i].Round != reachable[j].Round {
			return reachable[i].Round < reachable[j].Round
		}
		return reachable[i].Origin < reachable[j].Origin
	})
	return append(reachable, anchor)
}

// advanceCommit applies step 6 (state update) for one emitted sub-DAG.
func (e *Engine) advanceCommit(anchor *types.Certificate, subdag []*types.Certificate) {
	e.state.LastCommittedRound = anchor.Round
	for _, cert := range subdag {
		if cur, ok := e.state.LastCommittedPerOrigin[cert.Origin]; !ok || cert.Round > cur {
			e.state.LastCommittedPerOrigin[cert.Origin] = cert.Round
		}
	}
	e.state.SubDagIndex++
	if e.state.SubDagIndex%e.numSubDagsPerSchedule == 0 {
		e.state.ScheduleEpoch++
	}

	// Step 7: GC.
	e.state.recomputeGCRound()
	e.dag.PruneBelow(e.state.GCRound)
}
