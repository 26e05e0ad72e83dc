package connstate

import (
	"math/rand"
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

var allStates = []State{Closed, Establishing, Established}

// TestCombinePresent asserts that combining two present states is commutative
// and yields the weaker of the two.
func TestCombinePresent(t *testing.T) {
	t.Parallel()

	for _, a := range allStates {
		for _, b := range allStates {
			ab := Combine(fn.Some(a), fn.Some(b))
			ba := Combine(fn.Some(b), fn.Some(a))

			require.Equal(t, ab, ba, "combine(%v, %v)", a, b)

			expected := a
			if b < a {
				expected = b
			}
			require.Equal(t, expected, ab, "combine(%v, %v)", a, b)
		}
	}
}

// TestCombineAbsentIdentity asserts that an absent operand acts as the
// identity on either side.
func TestCombineAbsentIdentity(t *testing.T) {
	t.Parallel()

	for _, s := range allStates {
		require.Equal(t, s, Combine(fn.Some(s), fn.None[State]()))
		require.Equal(t, s, Combine(fn.None[State](), fn.Some(s)))
	}
}

// TestCombineBothAbsentPanics asserts that combining two absent states is
// treated as a programming error.
func TestCombineBothAbsentPanics(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		Combine(fn.None[State](), fn.None[State]())
	})
}

// TestCombineAssociative checks associativity over all present triples.
func TestCombineAssociative(t *testing.T) {
	t.Parallel()

	for _, a := range allStates {
		for _, b := range allStates {
			for _, c := range allStates {
				left := Combine(
					fn.Some(Combine(fn.Some(a), fn.Some(b))),
					fn.Some(c),
				)
				right := Combine(
					fn.Some(a),
					fn.Some(Combine(fn.Some(b), fn.Some(c))),
				)
				require.Equal(t, left, right)
			}
		}
	}
}

// TestFoldOrderIndependent shuffles a random mix of present and absent states
// and asserts the fold always converges to the same value.
func TestFoldOrderIndependent(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		n := rng.Intn(6) + 1
		states := make([]fn.Option[State], n)
		for j := range states {
			if rng.Intn(3) == 0 {
				states[j] = fn.None[State]()
				continue
			}
			states[j] = fn.Some(allStates[rng.Intn(len(allStates))])
		}

		expected := Fold(states...)
		for k := 0; k < 5; k++ {
			rng.Shuffle(len(states), func(x, y int) {
				states[x], states[y] = states[y], states[x]
			})
			require.Equal(t, expected, Fold(states...))
		}
	}
}

// TestFoldEmpty asserts that folding only absent states yields an absent
// result rather than a fabricated state.
func TestFoldEmpty(t *testing.T) {
	t.Parallel()

	require.True(t, Fold().IsNone())
	require.True(t, Fold(fn.None[State](), fn.None[State]()).IsNone())
	require.Equal(
		t, fn.Some(Establishing),
		Fold(fn.None[State](), fn.Some(Establishing)),
	)
}

// TestParseString asserts that every state round trips through its name.
func TestParseString(t *testing.T) {
	t.Parallel()

	for _, s := range allStates {
		parsed, err := Parse(s.String())
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}

	_, err := Parse("half-open")
	require.Error(t, err)
}
