// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

// Package boltsource provides a mutationreader.Reader backed by a
// github.com/boltdb/bolt database: one bucket holding one gob-encoded
// fragment.Mutation per partition key, standing in for the on-disk
// sstable source spec §1 places out of scope so the merge engine and
// admission semaphore can be exercised against a real persistence layer.
package boltsource

import (
	"bytes"
	"context"
	"encoding/gob"
	"sort"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"

	"coredb.dev/coredb/admission"
	"coredb.dev/coredb/clustering"
	"coredb.dev/coredb/fragment"
	"coredb.dev/coredb/internal/sync2"
	"coredb.dev/coredb/mutationerrs"
	"coredb.dev/coredb/mutationreader"
	"coredb.dev/coredb/ring"
	"coredb.dev/coredb/schema"
)

var bucketName = []byte("mutations")

// Store is a bolt-backed partition store: one gob-encoded fragment.Mutation
// value per partition key, keyed by the partition's encoded decorated key.
type Store struct {
	db     *bolt.DB
	perKey *sync2.KeyLock // serializes Merge's read-modify-write per partition key
}

// Open opens (creating if necessary) a Store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, mutationerrs.SourceFailure.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, mutationerrs.SourceFailure.Wrap(err)
	}
	return &Store{db: db, perKey: sync2.NewKeyLock()}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return mutationerrs.SourceFailure.Wrap(err)
	}
	return nil
}

// Put persists m, overwriting any existing mutation at the same key.
func (s *Store) Put(m fragment.Mutation) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobMutation(m)); err != nil {
		return mutationerrs.SourceFailure.Wrap(err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(encodeKey(m.Key), buf.Bytes())
	})
}

// Merge reconciles m into whatever is already stored at m.Key (per-cell
// timestamp-max reconciliation of static and clustering rows, joined
// partition tombstone), rather than overwriting it outright. Range
// tombstones from both sides are kept side by side; no row is dropped for
// being shadowed by one. The read-reconcile-write is not itself atomic
// under bolt (it spans a View and an Update transaction), so concurrent
// Merge calls for the same key are serialized through s.perKey.
func (s *Store) Merge(m fragment.Mutation) error {
	unlock := s.perKey.Lock(string(encodeKey(m.Key)))
	defer unlock()

	existing, found, err := s.get(m.Key)
	if err != nil {
		return err
	}
	if !found {
		return s.Put(m)
	}
	return s.Put(mergeMutations(clustering.BytesComparator{}, existing, m))
}

// get loads the mutation stored at key, if any.
func (s *Store) get(key ring.DecoratedKey) (fragment.Mutation, bool, error) {
	var m fragment.Mutation
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(encodeKey(key))
		if v == nil {
			return nil
		}
		var gm gobMutationWire
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&gm); err != nil {
			return err
		}
		m = gm.toMutation()
		found = true
		return nil
	})
	if err != nil {
		return fragment.Mutation{}, false, mutationerrs.SourceFailure.Wrap(err)
	}
	return m, found, nil
}

// mergeMutations reconciles two same-key mutations the way the combined
// reader reconciles same-key partitions from distinct sources, so writers
// that call Merge repeatedly for the same key converge to the same state
// a reader merging two separate Put calls would see.
func mergeMutations(cmp clustering.Comparator, a, b fragment.Mutation) fragment.Mutation {
	out := fragment.Mutation{
		Key:             a.Key,
		PartitionTS:     a.PartitionTS.Merge(b.PartitionTS),
		Static:          fragment.ReconcileRows(a.Static, b.Static),
		RangeTombstones: append(append([]fragment.RangeTombstoneRow(nil), a.RangeTombstones...), b.RangeTombstones...),
	}

	byPosition := make(map[string]fragment.ClusteredRow, len(a.Clustered)+len(b.Clustered))
	var order []string
	addRow := func(row fragment.ClusteredRow) {
		k := positionKey(row.Position)
		if existing, ok := byPosition[k]; ok {
			byPosition[k] = fragment.ClusteredRow{Position: row.Position, Cells: fragment.ReconcileRows(existing.Cells, row.Cells)}
			return
		}
		byPosition[k] = row
		order = append(order, k)
	}
	for _, row := range a.Clustered {
		addRow(row)
	}
	for _, row := range b.Clustered {
		addRow(row)
	}
	for _, k := range order {
		out.Clustered = append(out.Clustered, byPosition[k])
	}
	sort.Slice(out.Clustered, func(i, j int) bool {
		return clustering.Compare(cmp, out.Clustered[i].Position, out.Clustered[j].Position) < 0
	})
	return out
}

// positionKey renders a clustering.Position as a map key via its wire form,
// the only way to distinguish sentinel kind since Position hides its
// fields.
func positionKey(p clustering.Position) string {
	return string(p.WireKind()) + string(p.WireKey())
}

// Factory adapts Store to mutationreader.Factory, charging every buffer it
// reads against permit via admission.Permit.Track (spec §4.E, §6.1).
func (s *Store) Factory(log *zap.Logger, permit *admission.Permit) mutationreader.Factory {
	return func(_ context.Context, sch schema.Schema, partitionRange ring.Range, slice mutationreader.Slice, forwarding mutationreader.Forwarding) (mutationreader.Reader, error) {
		mutations, err := s.scan(partitionRange)
		if err != nil {
			return nil, err
		}
		return newReader(log, sch, mutations, partitionRange, slice, forwarding, permit), nil
	}
}

// scan loads every mutation whose key falls in partitionRange, sorted by
// decorated key; bolt's bucket iteration is already key-ordered, but the
// encodeKey scheme orders by token bytes then partition key bytes only
// approximately (collisions within a token are not reordered by it), so
// results are re-sorted by the real DecoratedKey.Compare.
func (s *Store) scan(partitionRange ring.Range) ([]fragment.Mutation, error) {
	var out []fragment.Mutation
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var gm gobMutationWire
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&gm); err != nil {
				return err
			}
			m := gm.toMutation()
			if partitionRange.Contains(m.Key) {
				out = append(out, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, mutationerrs.SourceFailure.Wrap(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out, nil
}

// encodeKey renders a DecoratedKey as bolt's bucket iteration order
// (lexicographic byte comparison) needs: token bytes, a NUL separator, then
// the partition key bytes.
func encodeKey(key ring.DecoratedKey) []byte {
	tokenBytes := tokenBytesOf(key)
	out := make([]byte, 0, len(tokenBytes)+1+len(key.Key))
	out = append(out, tokenBytes...)
	out = append(out, 0)
	out = append(out, key.Key...)
	return out
}

// tokenBytesOf extracts a token's byte representation via the bytes
// partitioner convention (token == partition key for schema.BytesPartitioner,
// the only partitioner boltsource ships fixtures for).
func tokenBytesOf(key ring.DecoratedKey) []byte {
	return key.Key
}

// gobMutationWire is fragment.Mutation re-expressed with exported fields
// gob can encode directly (clustering.Position and ring.Token hide their
// representation behind unexported fields).
type gobMutationWire struct {
	PartitionKeyBytes []byte
	PartitionTS       fragment.Tombstone
	Static            fragment.Row
	Clustered         []wireClusteredRow
	RangeTombstones   []wireRangeTombstoneRow
}

type wirePosition struct {
	Kind int8
	Key  []byte
}

func toWirePosition(p clustering.Position) wirePosition {
	return wirePosition{Kind: p.WireKind(), Key: p.WireKey()}
}

func (w wirePosition) toPosition() clustering.Position {
	return clustering.FromWire(w.Kind, w.Key)
}

type wireClusteredRow struct {
	Position wirePosition
	Cells    fragment.Row
}

type wireRangeTombstoneRow struct {
	Start     wirePosition
	End       wirePosition
	Tombstone fragment.Tombstone
}

func gobMutation(m fragment.Mutation) gobMutationWire {
	w := gobMutationWire{PartitionKeyBytes: m.Key.Key, PartitionTS: m.PartitionTS, Static: m.Static}
	for _, row := range m.Clustered {
		w.Clustered = append(w.Clustered, wireClusteredRow{Position: toWirePosition(row.Position), Cells: row.Cells})
	}
	for _, rt := range m.RangeTombstones {
		w.RangeTombstones = append(w.RangeTombstones, wireRangeTombstoneRow{
			Start:     toWirePosition(rt.Start),
			End:       toWirePosition(rt.End),
			Tombstone: rt.Tombstone,
		})
	}
	return w
}

func (w gobMutationWire) toMutation() fragment.Mutation {
	m := fragment.Mutation{
		Key:         ring.DecoratedKey{Token: ring.NewToken(w.PartitionKeyBytes), Key: w.PartitionKeyBytes},
		PartitionTS: w.PartitionTS,
		Static:      w.Static,
	}
	for _, row := range w.Clustered {
		m.Clustered = append(m.Clustered, fragment.ClusteredRow{Position: row.Position.toPosition(), Cells: row.Cells})
	}
	for _, rt := range w.RangeTombstones {
		m.RangeTombstones = append(m.RangeTombstones, fragment.RangeTombstoneRow{
			Start:     rt.Start.toPosition(),
			End:       rt.End.toPosition(),
			Tombstone: rt.Tombstone,
		})
	}
	return m
}

