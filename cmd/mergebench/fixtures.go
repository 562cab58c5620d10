// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

package main

import (
	"time"

	"coredb.dev/coredb/clustering"
	"coredb.dev/coredb/fragment"
	"coredb.dev/coredb/ring"
)

func clusteringComparator() clustering.Comparator { return clustering.BytesComparator{} }

func key(s string) ring.DecoratedKey {
	return ring.DecoratedKey{Token: ring.NewToken([]byte(s)), Key: []byte(s)}
}

func cell(value string, ts int64) fragment.Cell {
	return fragment.Cell{Value: []byte(value), WriteTimestamp: ts}
}

// memoryFixture returns the partitions served by the in-memory source: an
// even split of the demo keyspace, one column each.
func memoryFixture() []fragment.Mutation {
	return []fragment.Mutation{
		{
			Key: key("alice"),
			Clustered: []fragment.ClusteredRow{
				{Position: clustering.AtKey([]byte("2024-01-01")), Cells: fragment.Row{"amount": cell("100", 1)}},
			},
		},
		{
			Key: key("carol"),
			Clustered: []fragment.ClusteredRow{
				{Position: clustering.AtKey([]byte("2024-02-01")), Cells: fragment.Row{"amount": cell("50", 1)}},
			},
		},
	}
}

// boltFixture returns the partitions served by the bolt-backed store,
// overlapping "alice" with the memory fixture (exercising cell-wise
// reconciliation in the merge engine) and adding one exclusive partition.
func boltFixture() []fragment.Mutation {
	return []fragment.Mutation{
		{
			Key: key("alice"),
			Clustered: []fragment.ClusteredRow{
				{Position: clustering.AtKey([]byte("2024-01-01")), Cells: fragment.Row{"amount": cell("150", 2)}},
				{Position: clustering.AtKey([]byte("2024-01-15")), Cells: fragment.Row{"amount": cell("25", 1)}},
			},
		},
		{
			Key: key("bob"),
			RangeTombstones: []fragment.RangeTombstoneRow{
				{
					Start:     clustering.BeforeAllClusteredRows(),
					End:       clustering.AfterAllClusteredRows(),
					Tombstone: fragment.Tombstone{Timestamp: 5, DeletionTime: time.Now()},
				},
			},
		},
	}
}
