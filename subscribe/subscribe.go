package subscribe

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

// ErrServerShuttingDown is an error returned in case the server is in the
// process of shutting down.
var ErrServerShuttingDown = errors.New("subscription server shutting down")

// ErrServerNotStarted is returned when subscribing to a server that has not
// been started yet.
var ErrServerNotStarted = errors.New("subscription server not started")

// defaultQueueSize is the initial buffer size of each client's queue. The
// queue grows past it on demand, so no update is ever dropped.
const defaultQueueSize = 20

// Client is used to get notified about updates the caller has subscribed to.
type Client[T any] struct {
	// cancel should be called in case the client no longer wants to
	// subscribe for updates from the server.
	cancel func()

	queue   *queue.ConcurrentQueue
	updates chan T

	quit chan struct{}
	wg   sync.WaitGroup
}

// newClient creates a client and starts the goroutine moving items from its
// unbounded queue onto the typed updates channel.
func newClient[T any]() *Client[T] {
	c := &Client[T]{
		queue:   queue.NewConcurrentQueue(defaultQueueSize),
		updates: make(chan T),
		quit:    make(chan struct{}),
	}
	c.queue.Start()

	c.wg.Add(1)
	go c.forward()

	return c
}

// forward delivers queued updates in order until the client quits.
//
// NOTE: MUST be run as a goroutine.
func (c *Client[T]) forward() {
	defer c.wg.Done()

	for {
		select {
		case item, ok := <-c.queue.ChanOut():
			if !ok {
				return
			}

			select {
			case c.updates <- item.(T):
			case <-c.quit:
				return
			}

		case <-c.quit:
			return
		}
	}
}

// enqueue hands an update to the client's queue. It returns false if the
// client has quit.
func (c *Client[T]) enqueue(update T, serverQuit chan struct{}) bool {
	select {
	case c.queue.ChanIn() <- update:
		return true
	case <-c.quit:
		return false
	case <-serverQuit:
		return false
	}
}

// stop tears down the client's queue and forwarding goroutine.
func (c *Client[T]) stop() {
	close(c.quit)
	c.queue.Stop()
	c.wg.Wait()
}

// Updates returns a read-only channel where the updates the client has
// subscribed to will be delivered.
func (c *Client[T]) Updates() <-chan T {
	return c.updates
}

// Quit is a channel that will be closed in case the server decides to no
// longer deliver updates to this client.
func (c *Client[T]) Quit() <-chan struct{} {
	return c.quit
}

// Cancel should be called in case the client no longer wants to subscribe for
// updates from the server.
func (c *Client[T]) Cancel() {
	c.cancel()
}

// Option modifies the behaviour of a Server.
type Option[T any] func(*Server[T])

// WithRetain makes the server remember the latest update for every key
// returned by keyFn. A new client is first sent the retained updates, in the
// order their keys were first seen, before any live update. This turns the
// subscription into a live view of current state rather than a bare event
// stream.
func WithRetain[T any](keyFn func(T) string) Option[T] {
	return func(s *Server[T]) {
		s.retainKey = keyFn
	}
}

// Server is a struct that manages a set of subscriptions and their
// corresponding clients. Any update will be delivered to all active clients
// in the order it was sent.
type Server[T any] struct {
	clientCounter atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool

	clients       map[uint64]*Client[T]
	clientUpdates chan *clientUpdate[T]

	updates chan T

	// retainKey, retained and retainOrder are only accessed by the
	// subscriptionHandler goroutine.
	retainKey   func(T) string
	retained    map[string]T
	retainOrder []string

	quit chan struct{}
	wg   sync.WaitGroup
}

// clientUpdate is an internal message sent to the subscriptionHandler to
// either register a new client for subscription or cancel an existing
// subscription.
type clientUpdate[T any] struct {
	// cancel indicates if the update to the client is cancelling an
	// existing client's subscription. If not then this update will be to
	// subscribe a new client.
	cancel bool

	// clientID is the unique identifier for this client.
	clientID uint64

	// client is the new client that will receive updates. Will be nil in
	// case this is a cancellation update.
	client *Client[T]
}

// NewServer returns a new Server.
func NewServer[T any](opts ...Option[T]) *Server[T] {
	s := &Server[T]{
		clients:       make(map[uint64]*Client[T]),
		clientUpdates: make(chan *clientUpdate[T]),
		updates:       make(chan T),
		retained:      make(map[string]T),
		quit:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start starts the Server, making it ready to accept subscriptions and
// updates.
func (s *Server[T]) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	s.wg.Add(1)
	go s.subscriptionHandler()

	return nil
}

// Stop stops the server.
func (s *Server[T]) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(s.quit)
	s.wg.Wait()

	return nil
}

// Subscribe returns a Client that will receive updates any time the Server is
// made aware of a new event. The server must have been started.
func (s *Server[T]) Subscribe() (*Client[T], error) {
	if !s.started.Load() {
		return nil, ErrServerNotStarted
	}

	clientID := s.clientCounter.Add(1)

	client := newClient[T]()
	client.cancel = func() {
		select {
		case s.clientUpdates <- &clientUpdate[T]{
			cancel:   true,
			clientID: clientID,
		}:
		case <-s.quit:
		}
	}

	select {
	case s.clientUpdates <- &clientUpdate[T]{
		clientID: clientID,
		client:   client,
	}:
	case <-s.quit:
		client.stop()
		return nil, ErrServerShuttingDown
	}

	return client, nil
}

// SendUpdate is called to send the passed update to all currently active
// subscription clients. It returns once the update has been queued for every
// client, so consecutive calls are delivered in call order.
func (s *Server[T]) SendUpdate(update T) error {
	select {
	case s.updates <- update:
		return nil
	case <-s.quit:
		return ErrServerShuttingDown
	}
}

// retain records the update as the latest for its key.
func (s *Server[T]) retain(update T) {
	if s.retainKey == nil {
		return
	}

	key := s.retainKey(update)
	if _, ok := s.retained[key]; !ok {
		s.retainOrder = append(s.retainOrder, key)
	}
	s.retained[key] = update
}

// subscriptionHandler is the main handler for the Server. It will handle
// incoming updates and subscriptions, and forward the incoming updates to the
// registered clients.
//
// NOTE: MUST be run as a goroutine.
func (s *Server[T]) subscriptionHandler() {
	defer s.wg.Done()

	for {
		select {
		case update := <-s.clientUpdates:
			clientID := update.clientID

			if update.cancel {
				client, ok := s.clients[clientID]
				if ok {
					client.stop()
					delete(s.clients, clientID)
				}

				continue
			}

			// Bring the new client up to date before it sees any
			// live update.
			for _, key := range s.retainOrder {
				update.client.enqueue(s.retained[key], s.quit)
			}
			s.clients[clientID] = update.client

		case upd := <-s.updates:
			s.retain(upd)

			for _, client := range s.clients {
				client.enqueue(upd, s.quit)
			}

		case <-s.quit:
			for _, client := range s.clients {
				client.stop()
			}
			return
		}
	}
}
