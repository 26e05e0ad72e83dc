package netstatus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnmobile/connstate"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultReachabilityInterval is the default time between two
	// reachability checks.
	DefaultReachabilityInterval = 30 * time.Second

	// DefaultReachabilityTimeout bounds a single check.
	DefaultReachabilityTimeout = 5 * time.Second

	// DefaultProbeName is the name queried when checking reachability.
	DefaultProbeName = "example.com"
)

// DefaultResolvers are queried when no resolvers are configured.
var DefaultResolvers = []string{"1.1.1.1:53", "8.8.8.8:53", "9.9.9.9:53"}

// errReachable is returned by a probe goroutine on success so that the
// errgroup cancels the remaining probes.
var errReachable = errors.New("reachable")

// ExchangeFunc sends a DNS query to the resolver at addr and returns its
// answer.
type ExchangeFunc func(ctx context.Context, msg *dns.Msg,
	addr string) (*dns.Msg, error)

// ReachabilityConfig houses the parameters of a ReachabilityMonitor.
type ReachabilityConfig struct {
	// Resolvers is the set of DNS resolvers (host:port) to query. Any
	// answer from any of them means the internet is reachable.
	Resolvers []string

	// ProbeName is the domain queried.
	ProbeName string

	// Interval drives the periodic checks.
	Interval ticker.Ticker

	// Timeout bounds a single check across all resolvers.
	Timeout time.Duration

	// Reporter receives the Internet slot updates.
	Reporter Reporter

	// Exchange performs a single query. If nil, queries are sent over UDP
	// with miekg/dns.
	Exchange ExchangeFunc
}

// ReachabilityMonitor periodically checks whether the internet is reachable
// and reports the result into the Internet slot.
type ReachabilityMonitor struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *ReachabilityConfig

	// checkNow requests an immediate check outside the regular interval.
	checkNow chan struct{}

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewReachabilityMonitor creates a new monitor, filling in defaults for any
// unset parameter.
func NewReachabilityMonitor(cfg *ReachabilityConfig) *ReachabilityMonitor {
	if len(cfg.Resolvers) == 0 {
		cfg.Resolvers = DefaultResolvers
	}
	if cfg.ProbeName == "" {
		cfg.ProbeName = DefaultProbeName
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultReachabilityTimeout
	}
	if cfg.Interval == nil {
		cfg.Interval = ticker.New(DefaultReachabilityInterval)
	}
	if cfg.Exchange == nil {
		cfg.Exchange = udpExchange
	}

	return &ReachabilityMonitor{
		cfg:      cfg,
		checkNow: make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

// Start begins checking reachability. The first check runs immediately.
func (r *ReachabilityMonitor) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Infof("Reachability monitor starting, resolvers=%v",
		r.cfg.Resolvers)

	r.cfg.Interval.Resume()

	r.wg.Add(1)
	go r.monitor()

	return nil
}

// Stop halts the monitor and waits for any in-flight check to return.
func (r *ReachabilityMonitor) Stop() error {
	if !r.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(r.quit)
	r.wg.Wait()

	r.cfg.Interval.Stop()

	return nil
}

// CheckNow requests an immediate check, for instance because the platform
// signalled a network change. Multiple requests coalesce.
func (r *ReachabilityMonitor) CheckNow() {
	select {
	case r.checkNow <- struct{}{}:
	default:
	}
}

// monitor runs a check on start, on every tick and on every CheckNow.
//
// NOTE: MUST be run as a goroutine.
func (r *ReachabilityMonitor) monitor() {
	defer r.wg.Done()

	r.runCheck()

	for {
		select {
		case <-r.cfg.Interval.Ticks():
			r.runCheck()

		case <-r.checkNow:
			r.runCheck()

		case <-r.quit:
			return
		}
	}
}

// runCheck performs a single check and reports the result.
func (r *ReachabilityMonitor) runCheck() {
	ctx, cancel := context.WithTimeout(
		context.Background(), r.cfg.Timeout,
	)
	defer cancel()

	// Abort the check if we're asked to quit.
	go func() {
		select {
		case <-r.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	state := connstate.Closed
	if r.Check(ctx) {
		state = connstate.Established
	}

	select {
	case <-r.quit:
		return
	default:
	}

	r.cfg.Reporter.Report(Internet, state)
}

// Check queries every resolver in parallel and returns true as soon as one of
// them answers.
func (r *ReachabilityMonitor) Check(ctx context.Context) bool {
	g, ctx := errgroup.WithContext(ctx)

	for _, resolver := range r.cfg.Resolvers {
		g.Go(func() error {
			msg := new(dns.Msg)
			msg.SetQuestion(dns.Fqdn(r.cfg.ProbeName), dns.TypeA)

			resp, err := r.cfg.Exchange(ctx, msg, resolver)
			if err != nil {
				log.Tracef("Resolver %v unreachable: %v",
					resolver, err)
				return nil
			}

			// Any answer, even NXDOMAIN, proves the resolver was
			// reached.
			if resp == nil {
				return nil
			}

			return errReachable
		})
	}

	return errors.Is(g.Wait(), errReachable)
}

// udpExchange sends the query over UDP using miekg/dns.
func udpExchange(ctx context.Context, msg *dns.Msg,
	addr string) (*dns.Msg, error) {

	client := &dns.Client{Net: "udp"}
	if deadline, ok := ctx.Deadline(); ok {
		client.Timeout = time.Until(deadline)
	}

	resp, _, err := client.ExchangeContext(ctx, msg, addr)

	return resp, err
}
