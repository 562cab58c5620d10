// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

package fragment_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coredb.dev/coredb/clustering"
	"coredb.dev/coredb/fragment"
)

func TestCellReconcile_GreaterTimestampWins(t *testing.T) {
	a := fragment.Cell{Value: []byte("v1"), WriteTimestamp: 1}
	b := fragment.Cell{Value: []byte("v2"), WriteTimestamp: 2}

	assert.Equal(t, b, fragment.Reconcile(a, b))
	assert.Equal(t, b, fragment.Reconcile(b, a))
}

func TestCellReconcile_TieBreaksOnValueBytes(t *testing.T) {
	a := fragment.Cell{Value: []byte("aaa"), WriteTimestamp: 1}
	b := fragment.Cell{Value: []byte("zzz"), WriteTimestamp: 1}

	assert.Equal(t, b, fragment.Reconcile(a, b))
}

func TestTombstoneDominates(t *testing.T) {
	rt := fragment.Tombstone{Timestamp: 5}
	assert.True(t, rt.Dominates(5))
	assert.True(t, rt.Dominates(1))
	assert.False(t, rt.Dominates(6))
}

func TestTombstoneSupersedes(t *testing.T) {
	older := fragment.Tombstone{Timestamp: 1, DeletionTime: time.Unix(0, 0)}
	newer := fragment.Tombstone{Timestamp: 2, DeletionTime: time.Unix(0, 0)}
	assert.True(t, newer.Supersedes(older))
	assert.False(t, older.Supersedes(newer))

	tieA := fragment.Tombstone{Timestamp: 1, DeletionTime: time.Unix(10, 0)}
	tieB := fragment.Tombstone{Timestamp: 1, DeletionTime: time.Unix(20, 0)}
	assert.True(t, tieB.Supersedes(tieA))
}

func TestApplyTombstone_DropsShadowedCells(t *testing.T) {
	row := fragment.Row{
		"a": {Value: []byte("1"), WriteTimestamp: 1},
		"b": {Value: []byte("2"), WriteTimestamp: 10},
	}
	rt := fragment.Tombstone{Timestamp: 5}

	out := fragment.ApplyTombstone(row, rt)
	require.Len(t, out, 1)
	assert.Contains(t, out, fragment.ColumnID("b"))
}

func TestLiveCells(t *testing.T) {
	row := fragment.Row{"a": {WriteTimestamp: 1}}
	assert.True(t, fragment.LiveCells(row, nil))

	rt := fragment.Tombstone{Timestamp: 5}
	assert.False(t, fragment.LiveCells(row, &rt))

	assert.False(t, fragment.LiveCells(fragment.Row{}, nil))
}

func TestLess_KindTieBreak(t *testing.T) {
	cmp := clustering.BytesComparator{}
	pos := clustering.AtKey([]byte("k1"))

	rtStart := fragment.NewRangeTombstone(pos, clustering.AfterKey([]byte("k1")), fragment.Tombstone{Timestamp: 1})
	staticAtPos := fragment.Fragment{Kind: fragment.StaticRow, Position: pos}
	row := fragment.NewClusteringRow(pos, nil)

	// range_tombstone_start < static_row < clustering_row at equal position.
	assert.True(t, fragment.Less(cmp, rtStart, false, staticAtPos, false))
	assert.True(t, fragment.Less(cmp, staticAtPos, false, row, false))
	assert.False(t, fragment.Less(cmp, row, false, staticAtPos, false))
}

func TestLess_OrdersByPositionFirst(t *testing.T) {
	cmp := clustering.BytesComparator{}
	early := fragment.NewClusteringRow(clustering.AtKey([]byte("a")), nil)
	late := fragment.NewClusteringRow(clustering.AtKey([]byte("b")), nil)
	assert.True(t, fragment.Less(cmp, early, false, late, false))
}
