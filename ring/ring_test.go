// Copyright (C) 2024 CoreDB Authors.
// See LICENSE for copying information

package ring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"coredb.dev/coredb/ring"
)

func tok(s string) ring.Token { return ring.NewToken([]byte(s)) }

func TestRingPosition_BeforeBetweenAfter(t *testing.T) {
	key := ring.DecoratedKey{Token: tok("m"), Key: []byte("m")}

	before := ring.Before(tok("m"))
	at := ring.At(key)
	after := ring.After(tok("m"))

	assert.True(t, before.Compare(at) < 0)
	assert.True(t, at.Compare(after) < 0)
	assert.True(t, before.Compare(after) < 0)
}

func TestRingPosition_DifferentTokensOrderByToken(t *testing.T) {
	a := ring.After(tok("a"))
	b := ring.Before(tok("b"))
	assert.True(t, a.Compare(b) < 0)
}

func TestRange_Contains(t *testing.T) {
	r := ring.Range{Start: ring.Before(tok("a")), End: ring.After(tok("c"))}
	in := ring.DecoratedKey{Token: tok("b"), Key: []byte("b")}
	out := ring.DecoratedKey{Token: tok("z"), Key: []byte("z")}

	assert.True(t, r.Contains(in))
	assert.False(t, r.Contains(out))
}

func TestRange_Overlaps(t *testing.T) {
	r1 := ring.Range{Start: ring.Before(tok("a")), End: ring.After(tok("b"))}
	r2 := ring.Range{Start: ring.Before(tok("b")), End: ring.After(tok("c"))}
	r3 := ring.Range{Start: ring.Before(tok("x")), End: ring.After(tok("y"))}

	assert.True(t, r1.Overlaps(r2))
	assert.False(t, r1.Overlaps(r3))
}

func TestEverything_ContainsAnyKey(t *testing.T) {
	key := ring.DecoratedKey{Token: tok("anything"), Key: []byte("anything")}
	assert.True(t, ring.Everything.Contains(key))
}
