// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package storage persists consensus state and committed sub-DAGs to a
// github.com/luxfi/database.Database, and rehydrates them on restart.
package storage

import (
	"errors"
	"fmt"

	"github.com/luxfi/database"

	"github.com/eqlabs/bullshark-bft/codec"
	"github.com/eqlabs/bullshark-bft/consensus"
)

// ErrNotFound is returned by Recover when the database holds no tip
// record, meaning this is a fresh start rather than a restart.
var ErrNotFound = errors.New("storage: no persisted tip found")

// persistedTip is the durable record written alongside each commit: the
// new State plus how many trailing sub-DAGs are available under
// subDagKey, so Recover knows how far back to read.
type persistedTip struct {
	State        *consensus.State `json:"state"`
	WindowStart  uint64           `json:"windowStart"`
	WindowEnd    uint64           `json:"windowEnd"`
}

// Store persists consensus state through a database.Database. It
// implements consensus.PersistentStore.
type Store struct {
	db         database.Database
	gcDepth    uint64
}

// New wraps an open database.Database. gcDepth bounds how many trailing
// sub-DAGs are retained (mirrors consensus.Config.GCDepth: once a
// sub-DAG's index falls gcDepth or more sub-DAGs behind the tip, it is
// pruned from the store since the in-memory DAG would have discarded
// its certificates too).
func New(db database.Database, gcDepth uint64) *Store {
	return &Store{db: db, gcDepth: gcDepth}
}

// Persist implements consensus.PersistentStore. It writes every emitted
// sub-DAG plus the new tip state as a single batch, so a crash mid-call
// never leaves a sub-DAG durable without the tip that accounts for it,
// or vice versa.
func (s *Store) Persist(state *consensus.State, emitted []consensus.CommittedSubDag) error {
	if len(emitted) == 0 {
		return nil
	}
	batch := s.db.NewBatch()

	// windowStart/windowEnd bound the surviving index range; sub-dag
	// indices are 1-based (the first commit ever made gets index 1), so
	// 1 is the floor for windowStart even when fewer than gcDepth
	// sub-dags have been committed so far.
	windowStart, windowEnd := uint64(1), uint64(0)
	for _, subdag := range emitted {
		blob, err := codec.Marshal(subdag)
		if err != nil {
			return fmt.Errorf("storage: encoding sub-dag %d: %w", subdag.SubDagIndex, err)
		}
		if err := batch.Put(subDagKey(subdag.SubDagIndex), blob); err != nil {
			return fmt.Errorf("storage: writing sub-dag %d: %w", subdag.SubDagIndex, err)
		}
		windowEnd = subdag.SubDagIndex
	}
	if windowEnd+1 > s.gcDepth+1 {
		windowStart = windowEnd + 1 - s.gcDepth
	}
	s.pruneWindow(batch, windowStart)

	tip := persistedTip{State: state, WindowStart: windowStart, WindowEnd: windowEnd}
	tipBlob, err := codec.Marshal(tip)
	if err != nil {
		return fmt.Errorf("storage: encoding tip: %w", err)
	}
	if err := batch.Put(tipKey(), tipBlob); err != nil {
		return fmt.Errorf("storage: writing tip: %w", err)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("storage: committing batch: %w", err)
	}
	return nil
}

// pruneWindow deletes sub-DAG records below the window's new floor. It only has records to remove for indices it can enumerate
// without a range iterator, so it walks backwards from windowStart-1
// until it hits a missing key or zero; database.Database has no prefix
// iterator in this deployment, and the fixed-width key makes this walk
// exact rather than a guess.
func (s *Store) pruneWindow(batch database.Batch, windowStart uint64) {
	if windowStart == 0 {
		return
	}
	for i := windowStart - 1; ; i-- {
		key := subDagKey(i)
		has, err := s.db.Has(key)
		if err != nil || !has {
			return
		}
		_ = batch.Delete(key)
		if i == 0 {
			return
		}
	}
}

// Recover reconstructs the last persisted State and the trailing window
// of committed sub-DAGs still retained in the database. It returns
// ErrNotFound on a database with no tip record (fresh start).
func Recover(db database.Database) (*consensus.State, []consensus.CommittedSubDag, error) {
	has, err := db.Has(tipKey())
	if err != nil {
		return nil, nil, fmt.Errorf("storage: checking tip: %w", err)
	}
	if !has {
		return nil, nil, ErrNotFound
	}
	tipBlob, err := db.Get(tipKey())
	if err != nil {
		return nil, nil, fmt.Errorf("storage: reading tip: %w", err)
	}
	var tip persistedTip
	if err := codec.Unmarshal(tipBlob, &tip); err != nil {
		return nil, nil, fmt.Errorf("storage: decoding tip: %w", err)
	}

	var subdags []consensus.CommittedSubDag
	for i := tip.WindowStart; i <= tip.WindowEnd; i++ {
		blob, err := db.Get(subDagKey(i))
		if err != nil {
			return nil, nil, fmt.Errorf("storage: reading sub-dag %d: %w", i, err)
		}
		var subdag consensus.CommittedSubDag
		if err := codec.Unmarshal(blob, &subdag); err != nil {
			return nil, nil, fmt.Errorf("storage: decoding sub-dag %d: %w", i, err)
		}
		subdags = append(subdags, subdag)
	}
	return tip.State, subdags, nil
}
