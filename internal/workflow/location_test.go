package workflow

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocation_EncodeOrdersShorterPrefixBeforeChildren(t *testing.T) {
	parent := Root().Child(2)
	child := parent.Child(0)
	require.Equal(t, -1, bytes.Compare(parent.Encode(), child.Encode()))
}

func TestLocation_EncodeOrdersSiblingsNumerically(t *testing.T) {
	a := Root().Child(1)
	b := Root().Child(2)
	require.Equal(t, -1, bytes.Compare(a.Encode(), b.Encode()))
}

func TestLocation_StringRendersDottedPath(t *testing.T) {
	loc := Root().Child(0).Child(2).Child(1)
	require.Equal(t, "0.2.1", loc.String())
}

func TestSequence_AllocAssignsIncreasingSiblingLocations(t *testing.T) {
	seq := newSequence(Root())
	require.Equal(t, Location{0}, seq.alloc())
	require.Equal(t, Location{1}, seq.alloc())
	require.Equal(t, Location{2}, seq.alloc())
}
