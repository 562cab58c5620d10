// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

package storetest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"coredb.dev/coredb/clustering"
	"coredb.dev/coredb/fragment"
	"coredb.dev/coredb/mutationreader"
	"coredb.dev/coredb/ring"
	"coredb.dev/coredb/schema"
	"coredb.dev/coredb/storetest"
)

func testSchema() schema.Schema {
	return schema.Simple{Part: schema.BytesPartitioner{}, Cmp: clustering.BytesComparator{}}
}

func testKey(s string) ring.DecoratedKey {
	return ring.DecoratedKey{Token: ring.NewToken([]byte(s)), Key: []byte(s)}
}

func drain(t *testing.T, r mutationreader.Reader) []fragment.Fragment {
	t.Helper()
	ctx := context.Background()
	var out []fragment.Fragment
	for {
		require.NoError(t, r.FillBuffer(ctx))
		for !r.IsBufferEmpty() {
			out = append(out, r.PopFragment())
		}
		if r.IsEndOfStream() {
			return out
		}
	}
}

// TestMemSource_PartitionRangeNarrowsWithoutConsuming exercises
// mr_forwarding: narrowing the partition range past a mutation must make
// the source end-of-stream for the current range without consuming that
// mutation, so a later widening fast_forward_to(partition_range) can still
// reach it.
func TestMemSource_PartitionRangeNarrowsWithoutConsuming(t *testing.T) {
	sch := testSchema()
	mutations := []fragment.Mutation{{Key: testKey("a")}, {Key: testKey("b")}, {Key: testKey("c")}}
	forwarding := mutationreader.Forwarding{Partition: true}
	s := storetest.New(sch, mutations, ring.Everything, mutationreader.Slice{}, forwarding)
	ctx := context.Background()

	narrow := ring.Range{Start: ring.At(testKey("a")), End: ring.At(testKey("b"))}
	require.NoError(t, s.FastForwardToPartitionRange(ctx, narrow))

	got := fragment.SplitPartitions(drain(t, s))
	require.Len(t, got, 1)
	require.Equal(t, testKey("a"), got[0].Key)

	require.NoError(t, s.FastForwardToPartitionRange(ctx, ring.Range{Start: ring.At(testKey("b")), End: ring.MaxPosition}))
	rest := fragment.SplitPartitions(drain(t, s))
	require.Len(t, rest, 2)
	require.Equal(t, testKey("b"), rest[0].Key)
	require.Equal(t, testKey("c"), rest[1].Key)
}

// TestMemSource_PositionRangeStallAndResume exercises sm_forwarding: a
// partition opened with no position window yet must stall after its
// static content (if any), report end-of-stream per spec §4.B, and
// resume producing clustering rows once fast_forward_to(position_range)
// opens a window.
func TestMemSource_PositionRangeStallAndResume(t *testing.T) {
	sch := testSchema()
	m := fragment.Mutation{
		Key: testKey("p"),
		Clustered: []fragment.ClusteredRow{
			{Position: clustering.AtKey([]byte("c1")), Cells: fragment.Row{"v": {Value: []byte("v1"), WriteTimestamp: 1}}},
			{Position: clustering.AtKey([]byte("c2")), Cells: fragment.Row{"v": {Value: []byte("v2"), WriteTimestamp: 1}}},
		},
	}
	forwarding := mutationreader.Forwarding{Position: true}
	s := storetest.New(sch, []fragment.Mutation{m}, ring.Everything, mutationreader.Slice{}, forwarding)
	ctx := context.Background()

	require.NoError(t, s.FillBuffer(ctx))
	require.False(t, s.IsBufferEmpty())
	first := s.PopFragment()
	require.Equal(t, fragment.PartitionStart, first.Kind)
	require.True(t, s.IsBufferEmpty())
	require.True(t, s.IsEndOfStream(), "withheld pending fast_forward_to(position_range)")

	require.NoError(t, s.FastForwardToPositionRange(ctx, clustering.Range{Start: clustering.AtKey([]byte("c1")), End: clustering.AfterAllClusteredRows()}))
	require.False(t, s.IsEndOfStream())

	out := fragment.SplitPartitions(drain(t, s))
	require.Len(t, out, 1)
	require.Len(t, out[0].Clustered, 2)
	require.Equal(t, []byte("v1"), out[0].Clustered[0].Cells["v"].Value)
	require.Equal(t, []byte("v2"), out[0].Clustered[1].Cells["v"].Value)
}

// TestMemSource_PositionRangeMustBeMonotonic ensures a fast_forward_to
// (position_range) call moving the window start backwards is rejected,
// checked against windowStart (the window actually opened), not windowEnd.
func TestMemSource_PositionRangeMustBeMonotonic(t *testing.T) {
	sch := testSchema()
	m := fragment.Mutation{
		Key: testKey("p"),
		Clustered: []fragment.ClusteredRow{
			{Position: clustering.AtKey([]byte("c1")), Cells: fragment.Row{"v": {Value: []byte("v1"), WriteTimestamp: 1}}},
		},
	}
	forwarding := mutationreader.Forwarding{Position: true}
	s := storetest.New(sch, []fragment.Mutation{m}, ring.Everything, mutationreader.Slice{}, forwarding)
	ctx := context.Background()

	require.NoError(t, s.FillBuffer(ctx))
	_ = s.PopFragment()

	require.NoError(t, s.FastForwardToPositionRange(ctx, clustering.Range{Start: clustering.AtKey([]byte("c1")), End: clustering.AfterAllClusteredRows()}))

	err := s.FastForwardToPositionRange(ctx, clustering.Range{Start: clustering.BeforeAllClusteredRows(), End: clustering.AfterAllClusteredRows()})
	require.Error(t, err)
}
