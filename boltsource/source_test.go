// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

package boltsource_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"coredb.dev/coredb/admission"
	"coredb.dev/coredb/boltsource"
	"coredb.dev/coredb/clustering"
	"coredb.dev/coredb/fragment"
	"coredb.dev/coredb/internal/memory"
	"coredb.dev/coredb/mutationreader"
	"coredb.dev/coredb/ring"
	"coredb.dev/coredb/schema"
)

func testSchema() schema.Schema {
	return schema.Simple{Part: schema.BytesPartitioner{}, Cmp: clustering.BytesComparator{}}
}

func key(s string) ring.DecoratedKey {
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

func TestStore_PutAndScanRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mutations.db")
	store, err := boltsource.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	in := []fragment.Mutation{
		{
			Key: key("alice"),
			Clustered: []fragment.ClusteredRow{
				{Position: clustering.AtKey([]byte("c1")), Cells: fragment.Row{"v": {Value: []byte("v1"), WriteTimestamp: 1}}},
			},
		},
		{
			Key: key("bob"),
			RangeTombstones: []fragment.RangeTombstoneRow{
				{Start: clustering.BeforeAllClusteredRows(), End: clustering.AfterAllClusteredRows(), Tombstone: fragment.Tombstone{Timestamp: 5}},
			},
		},
	}
	for _, m := range in {
		require.NoError(t, store.Put(m))
	}

	log := zaptest.NewLogger(t)
	sem := admission.New(log, admission.Config{MaxCount: 4, MaxMemory: memory.MB, MaxQueue: 10})
	permit, err := sem.WaitAdmission(context.Background(), memory.KB)
	require.NoError(t, err)
	defer permit.Release()

	r, err := store.Factory(log, permit)(context.Background(), testSchema(), ring.Everything, mutationreader.Slice{}, mutationreader.Forwarding{})
	require.NoError(t, err)
	defer r.Close()

	out := fragment.SplitPartitions(drain(t, r))
	require.Len(t, out, 2)
	require.Equal(t, key("alice"), out[0].Key)
	require.Len(t, out[0].Clustered, 1)
	require.Equal(t, []byte("v1"), out[0].Clustered[0].Cells["v"].Value)

	require.Equal(t, key("bob"), out[1].Key)
	require.Len(t, out[1].RangeTombstones, 1)
	require.Equal(t, int64(5), out[1].RangeTombstones[0].Tombstone.Timestamp)
}

func TestStore_ScanFiltersByPartitionRange(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mutations.db")
	store, err := boltsource.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(fragment.Mutation{Key: key("alice")}))
	require.NoError(t, store.Put(fragment.Mutation{Key: key("zebra")}))

	log := zaptest.NewLogger(t)
	sem := admission.New(log, admission.Config{MaxCount: 4, MaxMemory: memory.MB, MaxQueue: 10})
	permit, err := sem.WaitAdmission(context.Background(), memory.KB)
	require.NoError(t, err)
	defer permit.Release()

	narrow := ring.Range{Start: ring.Before(ring.NewToken([]byte("a"))), End: ring.After(ring.NewToken([]byte("m")))}
	r, err := store.Factory(log, permit)(context.Background(), testSchema(), narrow, mutationreader.Slice{}, mutationreader.Forwarding{})
	require.NoError(t, err)
	defer r.Close()

	out := fragment.SplitPartitions(drain(t, r))
	require.Len(t, out, 1)
	require.Equal(t, key("alice"), out[0].Key)
}

// TestStore_FastForwardAcrossGapsDoesNotDropData is a boltsource-level
// companion to the storetest narrowing regression: fast-forwarding past a
// mutation that a later, wider fast-forward could still reach must not
// consume it.
func TestStore_FastForwardAcrossGapsDoesNotDropData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mutations.db")
	store, err := boltsource.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(fragment.Mutation{Key: key("a")}))
	require.NoError(t, store.Put(fragment.Mutation{Key: key("b")}))
	require.NoError(t, store.Put(fragment.Mutation{Key: key("d")}))

	log := zaptest.NewLogger(t)
	sem := admission.New(log, admission.Config{MaxCount: 4, MaxMemory: memory.MB, MaxQueue: 10})
	permit, err := sem.WaitAdmission(context.Background(), memory.KB)
	require.NoError(t, err)
	defer permit.Release()

	forwarding := mutationreader.Forwarding{Partition: true}
	r, err := store.Factory(log, permit)(context.Background(), testSchema(), ring.Everything, mutationreader.Slice{}, forwarding)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	require.NoError(t, r.FastForwardToPartitionRange(ctx, ring.Range{Start: ring.At(key("a")), End: ring.At(key("b"))}))
	first := fragment.SplitPartitions(drain(t, r))
	require.Len(t, first, 1)
	require.Equal(t, key("a"), first[0].Key)

	// "b" was never consumed by the step above even though it sits just
	// past the first range's end; "d" likewise must still be reachable.
	require.NoError(t, r.FastForwardToPartitionRange(ctx, ring.Range{Start: ring.At(key("b")), End: ring.MaxPosition}))
	rest := fragment.SplitPartitions(drain(t, r))
	require.Len(t, rest, 2)
	require.Equal(t, key("b"), rest[0].Key)
	require.Equal(t, key("d"), rest[1].Key)
}

func TestStore_MergeReconcilesWithExisting(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mutations.db")
	store, err := boltsource.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(fragment.Mutation{
		Key: key("alice"),
		Clustered: []fragment.ClusteredRow{
			{Position: clustering.AtKey([]byte("c")), Cells: fragment.Row{"v": {Value: []byte("old"), WriteTimestamp: 1}}},
		},
	}))

	require.NoError(t, store.Merge(fragment.Mutation{
		Key: key("alice"),
		Clustered: []fragment.ClusteredRow{
			{Position: clustering.AtKey([]byte("c")), Cells: fragment.Row{"v": {Value: []byte("new"), WriteTimestamp: 2}}},
			{Position: clustering.AtKey([]byte("d")), Cells: fragment.Row{"v": {Value: []byte("fresh"), WriteTimestamp: 1}}},
		},
	}))

	log := zaptest.NewLogger(t)
	sem := admission.New(log, admission.Config{MaxCount: 4, MaxMemory: memory.MB, MaxQueue: 10})
	permit, err := sem.WaitAdmission(context.Background(), memory.KB)
	require.NoError(t, err)
	defer permit.Release()

	r, err := store.Factory(log, permit)(context.Background(), testSchema(), ring.Everything, mutationreader.Slice{}, mutationreader.Forwarding{})
	require.NoError(t, err)
	defer r.Close()

	out := fragment.SplitPartitions(drain(t, r))
	require.Len(t, out, 1)
	require.Len(t, out[0].Clustered, 2)
	require.Equal(t, []byte("new"), out[0].Clustered[0].Cells["v"].Value, "the later write_timestamp wins the reconciliation")
	require.Equal(t, []byte("fresh"), out[0].Clustered[1].Cells["v"].Value)
}
