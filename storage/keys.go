// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import "encoding/binary"

// Key prefixes. A single byte is enough: the two record families never
// collide and prefixing keeps the keyspace ordered by family in any
// store that happens to be sorted (leveldb-backed implementations of
// database.Database are).
const (
	prefixTip      byte = 0x00
	prefixSubDagAt byte = 0x01
)

// tipKey is the single fixed key holding the latest persisted State.
func tipKey() []byte {
	return []byte{prefixTip}
}

// subDagKey is the fixed-width big-endian key for the sub-DAG committed
// at the given index, so direct Get calls can reconstruct a contiguous
// trailing window without needing a range iterator.
func subDagKey(index uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixSubDagAt
	binary.BigEndian.PutUint64(key[1:], index)
	return key
}
