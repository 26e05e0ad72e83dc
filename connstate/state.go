package connstate

import (
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// State is the health of a single logical link. States are ordered by
// strength: Closed is the weakest and Established the strongest.
type State uint8

const (
	// Closed means the link is down.
	Closed State = iota

	// Establishing means the link is being brought up.
	Establishing

	// Established means the link is up.
	Established
)

// String returns a human readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Establishing:
		return "establishing"
	case Established:
		return "established"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Parse returns the state named by the given string, as produced by String.
func Parse(s string) (State, error) {
	switch s {
	case "closed":
		return Closed, nil
	case "establishing":
		return Establishing, nil
	case "established":
		return Established, nil
	default:
		return Closed, fmt.Errorf("unknown connection state: %q", s)
	}
}

// Weaker returns the weaker of the two states. A link built on top of two
// others is only as healthy as the weakest of them.
func Weaker(a, b State) State {
	if b < a {
		return b
	}

	return a
}

// Combine merges two optional states. An absent operand is the identity, so
// combining a present state with an absent one yields the present state.
//
// NOTE: At least one operand must be present. Combining two absent states is
// a programming error and panics.
func Combine(a, b fn.Option[State]) State {
	combined := Fold(a, b)
	if combined.IsNone() {
		panic("connstate: combine called with two absent states")
	}

	return combined.UnsafeFromSome()
}

// Fold combines any number of optional states. The result is absent only if
// every input is absent. The fold is order independent since Weaker is
// associative and commutative and absence is its identity.
func Fold(states ...fn.Option[State]) fn.Option[State] {
	acc := fn.None[State]()
	for _, s := range states {
		s.WhenSome(func(s State) {
			acc = fn.Some(fn.ElimOption(
				acc,
				func() State { return s },
				func(prev State) State { return Weaker(prev, s) },
			))
		})
	}

	return acc
}
