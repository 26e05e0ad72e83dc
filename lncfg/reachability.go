package lncfg

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnmobile/netstatus"
)

// dnsPort is the port resolvers listen on unless specified.
const dnsPort = "53"

// Reachability configures the internet reachability checks.
//
//nolint:ll
type Reachability struct {
	Resolvers []string      `long:"resolver" description:"A DNS resolver as host[:port] queried to check internet reachability, may be specified multiple times"`
	Probe     string        `long:"probe" description:"The name resolved to check reachability"`
	Interval  time.Duration `long:"interval" description:"The interval between reachability checks"`
	Timeout   time.Duration `long:"timeout" description:"The time allowed for a single reachability check"`
}

// DefaultReachability returns the default reachability config.
func DefaultReachability() *Reachability {
	return &Reachability{
		Resolvers: netstatus.DefaultResolvers,
		Probe:     netstatus.DefaultProbeName,
		Interval:  netstatus.DefaultReachabilityInterval,
		Timeout:   netstatus.DefaultReachabilityTimeout,
	}
}

// Validate checks the values and normalizes the resolver addresses.
func (r *Reachability) Validate() error {
	if len(r.Resolvers) == 0 {
		return fmt.Errorf("at least one reachability.resolver must be " +
			"set")
	}

	resolvers, err := NormalizeHostPorts(r.Resolvers, dnsPort)
	if err != nil {
		return fmt.Errorf("invalid reachability.resolver: %w", err)
	}
	r.Resolvers = resolvers

	if r.Probe == "" {
		return fmt.Errorf("reachability.probe must be set")
	}

	if r.Interval <= 0 || r.Timeout <= 0 {
		return fmt.Errorf("reachability.interval and " +
			"reachability.timeout must be positive")
	}
	if r.Timeout > r.Interval {
		return fmt.Errorf("reachability.timeout (%v) must not exceed "+
			"reachability.interval (%v)", r.Timeout, r.Interval)
	}

	return nil
}
