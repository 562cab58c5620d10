// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

// Package schema defines the minimal, immutable-for-the-reader's-lifetime
// contract external sources use to compare keys (spec §6.3); parsing an
// actual column schema is out of scope (spec §1 Non-goals).
package schema

import (
	"coredb.dev/coredb/clustering"
	"coredb.dev/coredb/fragment"
	"coredb.dev/coredb/ring"
)

// Schema exposes the comparators and partitioner a reader needs; it does
// not expose column types since schema parsing is out of scope.
type Schema interface {
	Partitioner() ring.Partitioner
	ClusteringComparator() clustering.Comparator
	ColumnIDs() []fragment.ColumnID
}

// Simple is a Schema backed by literal fields, sufficient for storetest and
// boltsource.
type Simple struct {
	Part    ring.Partitioner
	Cmp     clustering.Comparator
	Columns []fragment.ColumnID
}

// Partitioner implements Schema.
func (s Simple) Partitioner() ring.Partitioner { return s.Part }

// ClusteringComparator implements Schema.
func (s Simple) ClusteringComparator() clustering.Comparator { return s.Cmp }

// ColumnIDs implements Schema.
func (s Simple) ColumnIDs() []fragment.ColumnID { return s.Columns }

// BytesPartitioner maps a partition key to a token equal to the key itself
// (an "order-preserving partitioner"), which keeps storetest/boltsource
// fixtures easy to reason about; a hashing partitioner would instead
// scatter tokens uniformly.
type BytesPartitioner struct{}

// Token implements ring.Partitioner.
func (BytesPartitioner) Token(partitionKey []byte) ring.Token {
	return ring.NewToken(append([]byte(nil), partitionKey...))
}
