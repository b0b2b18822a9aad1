package ids

import (
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestOrdered_Monotonic(t *testing.T) {
	got := make([]string, 500)
	for i := range got {
		got[i] = Ordered()
	}
	require.True(t, sort.StringsAreSorted(got))

	seen := map[string]bool{}
	for _, id := range got {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestRandom_IsUUID(t *testing.T) {
	_, err := uuid.Parse(Random())
	require.NoError(t, err)
}
