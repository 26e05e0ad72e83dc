package netstatus

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnmobile/connstate"
	"github.com/lightningnetwork/lnmobile/subscribe"
)

// Subsystem identifies one independently reported network dependent link.
type Subsystem uint8

const (
	// Internet is the device's general internet reachability.
	Internet Subsystem = iota

	// Tor is the embedded Tor daemon. It is only tracked when Tor is
	// enabled.
	Tor

	// Peer is the connection to the Lightning peer.
	Peer

	// Indexer is the connection to the blockchain indexing server.
	Indexer
)

// AllSubsystems lists every subsystem in a stable order.
var AllSubsystems = []Subsystem{Internet, Tor, Peer, Indexer}

// String returns the name of the subsystem.
func (s Subsystem) String() string {
	switch s {
	case Internet:
		return "internet"
	case Tor:
		return "tor"
	case Peer:
		return "peer"
	case Indexer:
		return "indexer"
	default:
		return fmt.Sprintf("Subsystem(%d)", uint8(s))
	}
}

// SubsystemUpdate is delivered to subsystem subscribers whenever a single
// slot changes.
type SubsystemUpdate struct {
	Subsystem Subsystem
	State     connstate.State
}

// Reporter is implemented by anything that accepts connection state reports
// for a subsystem.
type Reporter interface {
	// Report records the latest state of the given subsystem.
	Report(sub Subsystem, state connstate.State)
}

// Config houses the parameters of an Aggregator.
type Config struct {
	// TorEnabled indicates whether the Tor slot is tracked. When false,
	// reports for Tor are ignored and the slot stays absent.
	TorEnabled bool
}

// Aggregator owns the current connection state of every tracked subsystem and
// publishes both the individual slots and their combined weakest-link value.
type Aggregator struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *Config

	// mu guards slots and combined. It is also held while publishing so
	// that subscribers observe updates in report order.
	mu       sync.RWMutex
	slots    map[Subsystem]connstate.State
	combined connstate.State

	combinedUpdates  *subscribe.Server[connstate.State]
	subsystemUpdates *subscribe.Server[SubsystemUpdate]
}

// A compile-time check to ensure Aggregator implements Reporter.
var _ Reporter = (*Aggregator)(nil)

// New creates an Aggregator. The internet slot is always tracked and starts
// out Closed, so a combined value is defined from the start.
func New(cfg *Config) *Aggregator {
	a := &Aggregator{
		cfg: cfg,
		slots: map[Subsystem]connstate.State{
			Internet: connstate.Closed,
		},
		combinedUpdates: subscribe.NewServer(
			subscribe.WithRetain(func(connstate.State) string {
				return "combined"
			}),
		),
		subsystemUpdates: subscribe.NewServer(
			subscribe.WithRetain(func(u SubsystemUpdate) string {
				return u.Subsystem.String()
			}),
		),
	}
	a.combined = a.foldLocked()

	return a
}

// Start launches the subscription servers and publishes the current state so
// that every subscriber starts from a consistent view.
func (a *Aggregator) Start() error {
	if !a.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Connection aggregator starting")

	if err := a.combinedUpdates.Start(); err != nil {
		return err
	}
	if err := a.subsystemUpdates.Start(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, sub := range AllSubsystems {
		state, ok := a.slots[sub]
		if !ok {
			continue
		}
		a.publishSubsystemLocked(sub, state)
	}
	a.publishCombinedLocked()

	return nil
}

// Stop shuts down the subscription servers. Subscribers see their Quit
// channel closed.
func (a *Aggregator) Stop() error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Connection aggregator shutting down...")
	defer log.Debug("Connection aggregator shutdown complete")

	if err := a.combinedUpdates.Stop(); err != nil {
		return err
	}

	return a.subsystemUpdates.Stop()
}

// Report records the latest state of a subsystem. Reporting the state a slot
// already holds is a no-op and notifies nobody. If the combined value changes
// as a result, combined subscribers are notified too.
func (a *Aggregator) Report(sub Subsystem, state connstate.State) {
	if sub == Tor && !a.cfg.TorEnabled {
		log.Debugf("Ignoring %v report for %v: tor disabled", state,
			sub)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	prev, ok := a.slots[sub]
	if ok && prev == state {
		return
	}
	a.slots[sub] = state

	if ok {
		log.Debugf("Subsystem %v: %v -> %v", sub, prev, state)
	} else {
		log.Debugf("Subsystem %v reported for the first time: %v",
			sub, state)
	}

	a.publishSubsystemLocked(sub, state)

	combined := a.foldLocked()
	if combined == a.combined {
		return
	}

	log.Infof("Combined connection status: %v -> %v", a.combined,
		combined)

	a.combined = combined
	a.publishCombinedLocked()
}

// Current returns the last reported state of the subsystem, or None if it was
// never reported or is disabled.
func (a *Aggregator) Current(sub Subsystem) fn.Option[connstate.State] {
	a.mu.RLock()
	defer a.mu.RUnlock()

	state, ok := a.slots[sub]

	return optional(state, ok)
}

// Combined returns the weakest state across all present slots.
func (a *Aggregator) Combined() connstate.State {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.combined
}

// Snapshot returns a copy of every present slot.
func (a *Aggregator) Snapshot() map[Subsystem]connstate.State {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snapshot := make(map[Subsystem]connstate.State, len(a.slots))
	for sub, state := range a.slots {
		snapshot[sub] = state
	}

	return snapshot
}

// SubscribeCombined returns a client receiving the current combined status
// followed by every change to it. It fails with subscribe.ErrServerNotStarted
// before Start.
func (a *Aggregator) SubscribeCombined() (*subscribe.Client[connstate.State],
	error) {

	return a.combinedUpdates.Subscribe()
}

// SubscribeSubsystems returns a client receiving the current state of every
// present slot followed by every individual slot change. Like
// SubscribeCombined it requires a started aggregator.
func (a *Aggregator) SubscribeSubsystems() (
	*subscribe.Client[SubsystemUpdate], error) {

	return a.subsystemUpdates.Subscribe()
}

// String renders the present slots, mostly for logging.
func (a *Aggregator) String() string {
	snapshot := a.Snapshot()

	subs := make([]Subsystem, 0, len(snapshot))
	for sub := range snapshot {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })

	s := fmt.Sprintf("combined=%v", a.Combined())
	for _, sub := range subs {
		s += fmt.Sprintf(" %v=%v", sub, snapshot[sub])
	}

	return s
}

// foldLocked combines every present slot.
//
// NOTE: The caller must hold mu.
func (a *Aggregator) foldLocked() connstate.State {
	states := make([]fn.Option[connstate.State], 0, len(AllSubsystems))
	for _, sub := range AllSubsystems {
		state, ok := a.slots[sub]
		states = append(states, optional(state, ok))
	}

	combined := connstate.Fold(states...)
	if combined.IsNone() {
		panic("netstatus: no subsystem present to combine")
	}

	return combined.UnsafeFromSome()
}

// publishSubsystemLocked notifies subsystem subscribers of a slot change.
//
// NOTE: The caller must hold mu.
func (a *Aggregator) publishSubsystemLocked(sub Subsystem,
	state connstate.State) {

	if !a.started.Load() {
		return
	}

	err := a.subsystemUpdates.SendUpdate(SubsystemUpdate{
		Subsystem: sub,
		State:     state,
	})
	if err != nil {
		log.Debugf("Unable to publish %v update: %v", sub, err)
	}
}

// publishCombinedLocked notifies combined subscribers of the current combined
// value.
//
// NOTE: The caller must hold mu.
func (a *Aggregator) publishCombinedLocked() {
	if !a.started.Load() {
		return
	}

	if err := a.combinedUpdates.SendUpdate(a.combined); err != nil {
		log.Debugf("Unable to publish combined update: %v", err)
	}
}

// optional lifts a map lookup result into an Option.
func optional(state connstate.State, ok bool) fn.Option[connstate.State] {
	if !ok {
		return fn.None[connstate.State]()
	}

	return fn.Some(state)
}
