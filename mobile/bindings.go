//go:build mobile
// +build mobile

package lnmobilebind

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/lightningnetwork/lnmobile"
	"github.com/lightningnetwork/lnmobile/connstate"
	"github.com/lightningnetwork/lnmobile/netstatus"
)

// Callback is an interface that is passed in by callers of the library, and
// specifies where the responses should be delivered.
type Callback interface {
	// OnResponse is called by the library when a response from the
	// operation is available.
	OnResponse([]byte)

	// OnError is called by the library if any error is encountered during
	// the execution of the operation.
	OnError(error)
}

// ConnectionListener receives every change of the connection states. States
// are passed as "closed", "establishing" or "established".
type ConnectionListener interface {
	// OnCombinedState is called when the weakest-link state of all
	// tracked subsystems changes.
	OnCombinedState(state string)

	// OnSubsystemState is called when the state of a single subsystem,
	// one of "internet", "tor", "peer" or "indexer", changes.
	OnSubsystemState(subsystem string, state string)
}

var (
	errNotStarted     = errors.New("connectivity core not started")
	errAlreadyStarted = errors.New("connectivity core already started")

	mu   sync.Mutex
	node *lnmobile.Node
	quit chan struct{}
	wg   sync.WaitGroup
)

// Start starts the connectivity core in the background.
//
// extraArgs can be used to pass command line arguments that will override
// what is found in the config file. Example:
//
//	extraArgs = "--tor.active --appdir=\"/tmp/folder name/\""
//
// The listener is notified of every connection state change, starting with
// the current states. The callback is called once everything is started.
//
// NOTE: On mobile platforms the '--appdir` argument should be set to the
// current app directory in order to ensure the core has the permissions
// needed to write to it.
func Start(extraArgs string, listener ConnectionListener, callback Callback) {
	mu.Lock()
	defer mu.Unlock()

	if node != nil {
		callback.OnError(errAlreadyStarted)
		return
	}

	// Load the configuration, and parse the extra arguments as command
	// line options.
	loadedConfig, err := lnmobile.LoadConfigArgs(splitArgs(extraArgs))
	if err != nil {
		callback.OnError(err)
		return
	}

	n, err := lnmobile.NewNode(loadedConfig)
	if err != nil {
		callback.OnError(err)
		return
	}

	if err := n.Start(); err != nil {
		_ = n.Stop()
		callback.OnError(err)
		return
	}

	// Subscriptions start with the retained current states, so nothing
	// reported during startup is missed.
	combined, err := n.Aggregator().SubscribeCombined()
	if err != nil {
		_ = n.Stop()
		callback.OnError(err)
		return
	}
	subsystems, err := n.Aggregator().SubscribeSubsystems()
	if err != nil {
		combined.Cancel()
		_ = n.Stop()
		callback.OnError(err)
		return
	}

	node = n
	quit = make(chan struct{})

	wg.Add(1)
	go func(quit chan struct{}) {
		defer wg.Done()
		defer combined.Cancel()
		defer subsystems.Cancel()

		for {
			select {
			case state := <-combined.Updates():
				listener.OnCombinedState(state.String())

			case update := <-subsystems.Updates():
				listener.OnSubsystemState(
					update.Subsystem.String(),
					update.State.String(),
				)

			case <-combined.Quit():
				return

			case <-quit:
				return
			}
		}
	}(quit)

	callback.OnResponse([]byte{})
}

// Stop shuts the connectivity core down, including the embedded tor daemon.
func Stop(callback Callback) {
	mu.Lock()
	defer mu.Unlock()

	if node == nil {
		callback.OnError(errNotStarted)
		return
	}

	close(quit)
	err := node.Stop()
	wg.Wait()
	node = nil

	if err != nil {
		callback.OnError(err)
		return
	}
	callback.OnResponse([]byte{})
}

// StartTor starts the embedded tor daemon. Progress is reported through the
// tor subsystem state.
func StartTor(callback Callback) {
	withNode(callback, func(n *lnmobile.Node) ([]byte, error) {
		return []byte{}, n.StartTor()
	})
}

// StopTor stops the embedded tor daemon.
func StopTor(callback Callback) {
	withNode(callback, func(n *lnmobile.Node) ([]byte, error) {
		return []byte{}, n.StopTor()
	})
}

// NetworkChanged should be called when the platform reports a change of the
// network, so that internet reachability is checked right away.
func NetworkChanged() {
	mu.Lock()
	defer mu.Unlock()

	if node != nil {
		node.CheckReachability()
	}
}

// status is the JSON encoding of the current connection states.
type status struct {
	Combined   string            `json:"combined"`
	Subsystems map[string]string `json:"subsystems"`
	Tor        *torStatus        `json:"tor,omitempty"`
}

type torStatus struct {
	State     string `json:"state"`
	Bootstrap string `json:"bootstrap,omitempty"`
	SOCKSAddr string `json:"socks_addr,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Status delivers the current connection states as JSON.
func Status(callback Callback) {
	withNode(callback, func(n *lnmobile.Node) ([]byte, error) {
		return json.Marshal(snapshot(n))
	})
}

func snapshot(n *lnmobile.Node) status {
	agg := n.Aggregator()

	s := status{
		Combined:   agg.Combined().String(),
		Subsystems: make(map[string]string),
	}
	for _, sub := range netstatus.AllSubsystems {
		agg.Current(sub).WhenSome(func(state connstate.State) {
			s.Subsystems[sub.String()] = state.String()
		})
	}

	if torSnapshot, err := n.TorStatus(); err == nil {
		s.Tor = &torStatus{
			State:     torSnapshot.State.String(),
			Bootstrap: torSnapshot.Bootstrap.String(),
			SOCKSAddr: torSnapshot.SOCKSAddr,
		}
		if torSnapshot.Err != nil {
			s.Tor.Error = torSnapshot.Err.Error()
		}
	}

	return s
}

func withNode(callback Callback, f func(*lnmobile.Node) ([]byte, error)) {
	mu.Lock()
	n := node
	mu.Unlock()

	if n == nil {
		callback.OnError(errNotStarted)
		return
	}

	resp, err := f(n)
	if err != nil {
		callback.OnError(err)
		return
	}
	callback.OnResponse(resp)
}

// splitArgs splits the argument string on "--" to get separated command line
// arguments.
func splitArgs(extraArgs string) []string {
	var args []string
	for _, a := range strings.Split(extraArgs, "--") {
		// Trim any whitespace space, and ignore empty params.
		a := strings.TrimSpace(a)
		if a == "" {
			continue
		}

		// Finally we prefix any non-empty string with -- to mimic the
		// regular command line arguments.
		args = append(args, "--"+a)
	}

	return args
}
