package round

import (
	"testing"

	"github.com/stretchr/testify/require"

	"liarslie/internal/identity"
)

func claimsFor(values ...uint64) []identity.Claim {
	out := make([]identity.Claim, len(values))
	for i, v := range values {
		out[i] = identity.Claim{AgentID: uint64(i + 1), Value: v}
	}
	return out
}

func TestResolveMajority(t *testing.T) {
	// 3 honest report 7, 2 liars report distinct fixed values.
	value, err := Resolve(claimsFor(7, 3, 7, 9, 7))
	require.NoError(t, err)
	require.Equal(t, uint64(7), value)
}

func TestResolveSingleClaim(t *testing.T) {
	value, err := Resolve(claimsFor(4))
	require.NoError(t, err)
	require.Equal(t, uint64(4), value)
}

func TestResolveEmpty(t *testing.T) {
	_, err := Resolve(nil)
	require.ErrorIs(t, err, ErrNoResponses)
}

func TestResolveTieIsAmbiguous(t *testing.T) {
	_, err := Resolve(claimsFor(2, 2, 8, 8))
	require.ErrorIs(t, err, ErrAmbiguousResult)
}

func TestResolveThreeWayTie(t *testing.T) {
	_, err := Resolve(claimsFor(1, 2, 3))
	require.ErrorIs(t, err, ErrAmbiguousResult)
}

func TestResolveOrderIndependent(t *testing.T) {
	a, err := Resolve(claimsFor(5, 1, 5))
	require.NoError(t, err)
	b, err := Resolve(claimsFor(1, 5, 5))
	require.NoError(t, err)
	require.Equal(t, a, b)
}
