package tor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnmobile/connstate"
	"github.com/lightningnetwork/lnmobile/subscribe"
)

const (
	// DefaultStartupTimeout is how long tor may take to bootstrap before
	// the start is considered failed.
	DefaultStartupTimeout = 3 * time.Minute

	// DefaultShutdownTimeout is how long tor is given to exit after being
	// asked to before it's killed.
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultLivenessInterval is the interval at which the SOCKS port of
	// a running tor is probed.
	DefaultLivenessInterval = time.Minute

	// DefaultLivenessTimeout bounds a single liveness probe.
	DefaultLivenessTimeout = 10 * time.Second

	// DefaultLivenessBackoff is the wait between failed liveness probes.
	DefaultLivenessBackoff = 5 * time.Second

	// DefaultLivenessAttempts is the number of consecutive failed probes
	// after which tor is considered dead.
	DefaultLivenessAttempts = 3
)

var (
	// ErrStartFailed is wrapped by every error reported for a start that
	// didn't reach the running state.
	ErrStartFailed = errors.New("tor failed to start")

	// ErrProcessExited is reported when tor exits on its own after it was
	// running.
	ErrProcessExited = errors.New("tor process exited unexpectedly")

	// ErrUnresponsive is reported when a running tor stops accepting
	// connections on its SOCKS port.
	ErrUnresponsive = errors.New("tor SOCKS port unresponsive")

	// ErrStopping is returned by Start while a previous run is still
	// shutting down.
	ErrStopping = errors.New("tor is stopping")

	// errAlreadyRunning and errAlreadyStopped signal a start or stop
	// request that doesn't change anything. They're logged, not returned.
	errAlreadyRunning = errors.New("tor already running")
	errAlreadyStopped = errors.New("tor already stopped")
)

// State is the lifecycle state of the tor daemon.
type State uint8

const (
	// Stopped means no tor process is running.
	Stopped State = iota

	// Starting means tor was launched and is bootstrapping.
	Starting

	// Running means tor is bootstrapped and its SOCKS port is usable.
	Running

	// Stopping means tor was asked to exit.
	Stopping
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ConnState maps the lifecycle state to the connection state of the tor
// subsystem.
func (s State) ConnState() connstate.State {
	switch s {
	case Starting:
		return connstate.Establishing
	case Running:
		return connstate.Established
	default:
		return connstate.Closed
	}
}

// Status is a snapshot of the daemon.
type Status struct {
	// State is the lifecycle state.
	State State

	// Bootstrap is the last bootstrap progress reported by tor during the
	// current or last run.
	Bootstrap BootstrapProgress

	// SOCKSAddr is the SOCKS5 endpoint of the current or last run.
	SOCKSAddr string

	// Err is the reason the last run ended, if it didn't end because of a
	// stop request. Failed starts wrap ErrStartFailed.
	Err error
}

// String returns a short description of the status.
func (s Status) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%v (%v)", s.State, s.Err)
	}
	if s.State == Starting {
		return fmt.Sprintf("%v %v", s.State, s.Bootstrap)
	}

	return s.State.String()
}

// DaemonConfig holds the dependencies and tunables of a Daemon.
type DaemonConfig struct {
	// Launcher spawns the tor process.
	Launcher Launcher

	// Clock drives the startup and shutdown timeouts.
	Clock clock.Clock

	// OnState, if set, is called with the connection state of every
	// lifecycle transition, in order.
	OnState func(connstate.State)

	// StartupTimeout bounds how long bootstrapping may take.
	StartupTimeout time.Duration

	// ShutdownTimeout bounds how long tor may take to exit when stopped.
	ShutdownTimeout time.Duration

	// LivenessInterval is the interval of SOCKS port probes while running.
	// Zero disables probing.
	LivenessInterval time.Duration

	// LivenessTimeout bounds a single probe.
	LivenessTimeout time.Duration

	// LivenessBackoff is the wait between failed probes.
	LivenessBackoff time.Duration

	// LivenessAttempts is the number of failed probes tolerated before
	// tor is considered dead.
	LivenessAttempts int

	// Dial is used by the liveness probe.
	Dial func(ctx context.Context, network,
		addr string) (net.Conn, error)
}

// DefaultDaemonConfig returns a config launching the tor binary found in
// PATH with the default timeouts.
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		Launcher:         &ExecLauncher{},
		Clock:            clock.NewDefaultClock(),
		StartupTimeout:   DefaultStartupTimeout,
		ShutdownTimeout:  DefaultShutdownTimeout,
		LivenessInterval: DefaultLivenessInterval,
		LivenessTimeout:  DefaultLivenessTimeout,
		LivenessBackoff:  DefaultLivenessBackoff,
		LivenessAttempts: DefaultLivenessAttempts,
	}
}

// run is a single launch of tor.
type run struct {
	cfg *Config

	gm     *fn.GoroutineManager
	cancel context.CancelFunc

	// unresponsive is signalled by the liveness monitor.
	unresponsive chan struct{}
}

// Daemon owns the lifecycle of the embedded tor process. Start and Stop only
// request a transition, progress is observed through Status, IsRunning and
// Subscribe.
type Daemon struct {
	cfg *DaemonConfig

	mu     sync.Mutex
	status Status
	run    *run

	updates *subscribe.Server[Status]
}

// NewDaemon creates a stopped daemon.
func NewDaemon(cfg *DaemonConfig) *Daemon {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Launcher == nil {
		cfg.Launcher = &ExecLauncher{}
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}

	d := &Daemon{
		cfg: cfg,
		updates: subscribe.NewServer(subscribe.WithRetain(
			func(Status) string { return "" },
		)),
	}

	// The status server lives as long as the daemon. Starting it can't
	// fail.
	_ = d.updates.Start()
	_ = d.updates.SendUpdate(d.status)

	return d
}

// Start launches tor with the given arguments. It returns once the launch is
// requested. A start while tor is starting or running is ignored. An error is
// only returned for an invalid config or while a previous run is stopping,
// launch failures are reported through Status.
func (d *Daemon) Start(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid tor config: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.status.State {
	case Starting, Running:
		log.Debugf("Ignoring start request: %v", errAlreadyRunning)
		return nil

	case Stopping:
		return ErrStopping
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		cfg:          cfg,
		gm:           fn.NewGoroutineManager(),
		cancel:       cancel,
		unresponsive: make(chan struct{}, 1),
	}
	d.run = r

	log.Infof("Starting tor with SOCKS port %v", cfg.SOCKSAddr())

	d.transitionLocked(Status{
		State:     Starting,
		SOCKSAddr: cfg.SOCKSAddr(),
	})

	r.gm.Go(ctx, func(ctx context.Context) {
		d.runDaemon(ctx, r)
	})

	return nil
}

// Stop asks tor to exit. It returns once the request is made. A stop while
// tor is stopped or already stopping is ignored.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.status.State {
	case Stopped, Stopping:
		log.Debugf("Ignoring stop request: %v", errAlreadyStopped)
		return nil
	}

	log.Info("Stopping tor")

	status := d.status
	status.State = Stopping
	d.transitionLocked(status)

	d.run.cancel()

	return nil
}

// Close stops tor, waits for it to exit and releases the daemon. The daemon
// can't be used afterwards.
func (d *Daemon) Close() error {
	if err := d.Stop(); err != nil {
		return err
	}

	d.mu.Lock()
	r := d.run
	d.mu.Unlock()

	if r != nil {
		r.gm.Stop()
	}

	return d.updates.Stop()
}

// IsRunning returns true if tor is bootstrapped and its SOCKS port usable.
func (d *Daemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.status.State == Running
}

// Status returns a snapshot of the daemon.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.status
}

// Subscribe returns a client receiving the current status followed by every
// later change.
func (d *Daemon) Subscribe() (*subscribe.Client[Status], error) {
	return d.updates.Subscribe()
}

// WaitRunning blocks until tor is running. It returns the error of a run that
// fails before that, or the context's error.
func (d *Daemon) WaitRunning(ctx context.Context) error {
	client, err := d.Subscribe()
	if err != nil {
		return err
	}
	defer client.Cancel()

	for {
		select {
		case status, ok := <-client.Updates():
			if !ok {
				return subscribe.ErrServerShuttingDown
			}

			switch {
			case status.State == Running:
				return nil

			case status.State == Stopped && status.Err != nil:
				return status.Err
			}

		case <-client.Quit():
			return subscribe.ErrServerShuttingDown

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// transitionLocked publishes a new status and reports its connection state.
//
// NOTE: d.mu must be held.
func (d *Daemon) transitionLocked(status Status) {
	prev := d.status.State
	d.status = status

	if prev != status.State {
		log.Debugf("Tor state %v -> %v", prev, status)
	}

	if err := d.updates.SendUpdate(status); err != nil {
		log.Debugf("Unable to publish tor status: %v", err)
	}

	if d.cfg.OnState != nil && prev.ConnState() != status.State.ConnState() {
		d.cfg.OnState(status.State.ConnState())
	}
}

// setBootstrap records bootstrap progress of the current run.
func (d *Daemon) setBootstrap(r *run, progress BootstrapProgress) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.run != r || d.status.State != Starting {
		return
	}

	log.Debugf("Tor bootstrapped %v", progress)

	status := d.status
	status.Bootstrap = progress
	d.transitionLocked(status)
}

// setRunning marks the current run as running.
func (d *Daemon) setRunning(r *run) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.run != r || d.status.State != Starting {
		return
	}

	log.Infof("Tor running, SOCKS proxy at %v", r.cfg.SOCKSAddr())

	status := d.status
	status.State = Running
	d.transitionLocked(status)
}

// finish marks the run as ended because of err, nil for a requested stop.
func (d *Daemon) finish(r *run, err error) {
	r.cancel()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.run != r {
		return
	}

	if err != nil {
		log.Errorf("Tor stopped: %v", err)
	} else {
		log.Info("Tor stopped")
	}

	status := d.status
	status.State = Stopped
	status.Err = err
	d.transitionLocked(status)
}

// runDaemon launches tor and supervises it until it exits or ctx is
// cancelled.
//
// NOTE: MUST be run as a goroutine.
func (d *Daemon) runDaemon(ctx context.Context, r *run) {
	proc, err := d.cfg.Launcher.Launch(ctx, r.cfg.Args())
	if err != nil {
		if ctx.Err() != nil {
			d.finish(r, nil)
			return
		}

		d.finish(r, fmt.Errorf("%w: %w", ErrStartFailed, err))
		return
	}

	if !d.awaitBootstrap(ctx, r, proc) {
		return
	}

	d.setRunning(r)

	controller := d.connectController(r)
	defer controller.WhenSome(func(c *Controller) {
		if err := c.Stop(); err != nil {
			log.Debugf("Unable to stop tor controller: %v", err)
		}
	})

	monitor := d.startLiveness(r)
	defer monitor.WhenSome(func(m *healthcheck.Monitor) {
		if err := m.Stop(); err != nil {
			log.Debugf("Unable to stop tor liveness monitor: %v",
				err)
		}
	})

	bootstrap := proc.Bootstrap()
	for {
		select {
		// Later notices are of no interest, but keep the channel
		// drained.
		case _, ok := <-bootstrap:
			if !ok {
				bootstrap = nil
			}

		case <-proc.Done():
			d.finish(r, fmt.Errorf("%w: %w", ErrProcessExited,
				exitReason(proc)))
			return

		case <-r.unresponsive:
			d.terminate(proc, controller)
			d.finish(r, ErrUnresponsive)
			return

		case <-ctx.Done():
			d.terminate(proc, controller)
			d.finish(r, nil)
			return
		}
	}
}

// awaitBootstrap follows the bootstrap progress of proc until it's done. It
// returns false if the run ended first, in which case it's already finished.
func (d *Daemon) awaitBootstrap(ctx context.Context, r *run,
	proc Process) bool {

	timeout := d.cfg.Clock.TickAfter(d.cfg.StartupTimeout)
	bootstrap := proc.Bootstrap()

	for {
		select {
		case progress, ok := <-bootstrap:
			if !ok {
				bootstrap = nil
				continue
			}

			d.setBootstrap(r, progress)
			if progress.Done() {
				return true
			}

		case <-proc.Done():
			d.finish(r, fmt.Errorf("%w: %w", ErrStartFailed,
				exitReason(proc)))
			return false

		case <-timeout:
			d.terminate(proc, fn.None[*Controller]())
			d.finish(r, fmt.Errorf("%w: not bootstrapped after %v",
				ErrStartFailed, d.cfg.StartupTimeout))
			return false

		case <-ctx.Done():
			d.terminate(proc, fn.None[*Controller]())
			d.finish(r, nil)
			return false
		}
	}
}

// terminate asks tor to exit and kills it if it doesn't within the shutdown
// timeout. It returns once the process has exited.
func (d *Daemon) terminate(proc Process, controller fn.Option[*Controller]) {
	select {
	case <-proc.Done():
		return
	default:
	}

	// Prefer a shutdown through the control port, falling back to a
	// signal.
	signalled := fn.MapOptionZ(controller, func(c *Controller) bool {
		err := c.Signal(SignalShutdown)
		if err != nil {
			log.Debugf("Unable to signal shutdown: %v", err)
		}

		return err == nil
	})
	if !signalled {
		if err := proc.Interrupt(); err != nil {
			log.Debugf("Unable to interrupt tor: %v", err)
		}
	}

	select {
	case <-proc.Done():
		return

	case <-d.cfg.Clock.TickAfter(d.cfg.ShutdownTimeout):
	}

	log.Warnf("Tor didn't exit within %v, killing it",
		d.cfg.ShutdownTimeout)

	if err := proc.Kill(); err != nil {
		log.Errorf("Unable to kill tor: %v", err)
	}

	<-proc.Done()
}

// connectController connects to the control port of a running tor, if it's
// enabled. Tor works without it, so failures are only logged.
func (d *Daemon) connectController(r *run) fn.Option[*Controller] {
	addr := r.cfg.ControlAddr()
	if addr == "" {
		return fn.None[*Controller]()
	}

	c := NewController(addr, "")
	if err := c.Start(); err != nil {
		log.Warnf("Unable to connect to tor control port: %v", err)
		_ = c.Stop()

		return fn.None[*Controller]()
	}

	log.Infof("Connected to tor %v control port at %v", c.Version(),
		addr)

	return fn.Some(c)
}

// startLiveness starts probing the SOCKS port of a running tor. Exhausting
// the probe attempts signals r.unresponsive.
func (d *Daemon) startLiveness(r *run) fn.Option[*healthcheck.Monitor] {
	if d.cfg.LivenessInterval == 0 {
		return fn.None[*healthcheck.Monitor]()
	}

	addr := r.cfg.SOCKSAddr()
	probe := func() error {
		ctx, cancel := context.WithTimeout(
			context.Background(), d.cfg.LivenessTimeout,
		)
		defer cancel()

		conn, err := d.cfg.Dial(ctx, "tcp", addr)
		if err != nil {
			return err
		}

		return conn.Close()
	}

	attempts := d.cfg.LivenessAttempts
	if attempts <= 0 {
		attempts = DefaultLivenessAttempts
	}

	monitor := healthcheck.NewMonitor(&healthcheck.Config{
		Checks: []*healthcheck.Observation{
			healthcheck.NewObservation(
				"tor socks", probe, d.cfg.LivenessInterval,
				d.cfg.LivenessTimeout, d.cfg.LivenessBackoff,
				attempts,
			),
		},
		Shutdown: func(format string, params ...interface{}) {
			log.Warnf(format, params...)

			select {
			case r.unresponsive <- struct{}{}:
			default:
			}
		},
	})

	if err := monitor.Start(); err != nil {
		log.Errorf("Unable to start tor liveness monitor: %v", err)
		return fn.None[*healthcheck.Monitor]()
	}

	return fn.Some(monitor)
}

// exitReason describes why proc exited.
func exitReason(proc Process) error {
	if err := proc.Err(); err != nil {
		return err
	}

	return errors.New("exit status 0")
}
