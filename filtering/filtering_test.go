// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

package filtering_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"coredb.dev/coredb/clustering"
	"coredb.dev/coredb/filtering"
	"coredb.dev/coredb/fragment"
	"coredb.dev/coredb/mutationreader"
	"coredb.dev/coredb/ring"
	"coredb.dev/coredb/schema"
	"coredb.dev/coredb/storetest"
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

func TestFiltering_DropsWholeRejectedPartitions(t *testing.T) {
	sch := testSchema()
	mutations := []fragment.Mutation{
		{Key: key("alice")},
		{Key: key("bob")},
		{Key: key("carol")},
	}
	inner, err := storetest.Factory(sch, mutations)(context.Background(), sch, ring.Everything, mutationreader.Slice{}, mutationreader.Forwarding{})
	require.NoError(t, err)

	r := filtering.New(inner, func(k ring.DecoratedKey) bool { return string(k.Key) != "bob" })
	out := fragment.SplitPartitions(drain(t, r))

	require.Len(t, out, 2)
	require.Equal(t, key("alice"), out[0].Key)
	require.Equal(t, key("carol"), out[1].Key)
}

func TestFiltering_KeepsAllWhenPredicateAlwaysTrue(t *testing.T) {
	sch := testSchema()
	mutations := []fragment.Mutation{{Key: key("alice")}, {Key: key("bob")}}
	inner, err := storetest.Factory(sch, mutations)(context.Background(), sch, ring.Everything, mutationreader.Slice{}, mutationreader.Forwarding{})
	require.NoError(t, err)

	r := filtering.New(inner, func(ring.DecoratedKey) bool { return true })
	out := fragment.SplitPartitions(drain(t, r))

	require.Len(t, out, 2)
}

func TestFiltering_DropsAllWhenPredicateAlwaysFalse(t *testing.T) {
	sch := testSchema()
	mutations := []fragment.Mutation{{Key: key("alice")}, {Key: key("bob")}}
	inner, err := storetest.Factory(sch, mutations)(context.Background(), sch, ring.Everything, mutationreader.Slice{}, mutationreader.Forwarding{})
	require.NoError(t, err)

	r := filtering.New(inner, func(ring.DecoratedKey) bool { return false })
	out := fragment.SplitPartitions(drain(t, r))

	require.Empty(t, out)
}
