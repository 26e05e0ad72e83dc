package tor

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnmobile/connstate"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	testTimeout = 5 * time.Second

	testConfig = &Config{
		DataDir:   "/data/tor",
		SOCKSPort: 9150,
	}

	errLaunch = errors.New("bind failed")
)

// mockLauncher is a Launcher whose results are set up per test.
type mockLauncher struct {
	mock.Mock
}

func (m *mockLauncher) Launch(ctx context.Context,
	args []string) (Process, error) {

	a := m.Called(ctx, args)
	proc, _ := a.Get(0).(Process)

	return proc, a.Error(1)
}

// mockProcess is a Process driven by the test.
type mockProcess struct {
	bootstrap chan BootstrapProgress
	done      chan struct{}
	exitOnce  sync.Once
	err       error

	interrupts atomic.Int32
	kills      atomic.Int32

	// ignoreInterrupt makes the process keep running when interrupted.
	ignoreInterrupt bool
}

func newMockProcess() *mockProcess {
	return &mockProcess{
		bootstrap: make(chan BootstrapProgress, 10),
		done:      make(chan struct{}),
	}
}

func (p *mockProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *mockProcess) progress(percent int) {
	p.bootstrap <- BootstrapProgress{Percent: percent, Tag: "test"}
}

func (p *mockProcess) Bootstrap() <-chan BootstrapProgress {
	return p.bootstrap
}

func (p *mockProcess) Done() <-chan struct{} {
	return p.done
}

func (p *mockProcess) Err() error {
	return p.err
}

func (p *mockProcess) Interrupt() error {
	p.interrupts.Add(1)
	if !p.ignoreInterrupt {
		p.exit(nil)
	}

	return nil
}

func (p *mockProcess) Kill() error {
	p.kills.Add(1)
	p.exit(errors.New("killed"))

	return nil
}

// stateRecorder records the connection states reported by a daemon.
type stateRecorder struct {
	mu     sync.Mutex
	states []connstate.State
}

func (r *stateRecorder) record(s connstate.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states = append(r.states, s)
}

func (r *stateRecorder) requireStates(t *testing.T,
	expected ...connstate.State) {

	t.Helper()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()

		if len(r.states) != len(expected) {
			return false
		}
		for i := range expected {
			if r.states[i] != expected[i] {
				return false
			}
		}

		return true
	}, testTimeout, 10*time.Millisecond)
}

// daemonHarness bundles a daemon with its mocked dependencies.
type daemonHarness struct {
	*Daemon

	launcher   *mockLauncher
	clock      *clock.TestClock
	tickSignal chan time.Duration
	recorder   *stateRecorder
}

func newDaemonHarness(t *testing.T) *daemonHarness {
	t.Helper()

	h := &daemonHarness{
		launcher:   &mockLauncher{},
		tickSignal: make(chan time.Duration, 10),
		recorder:   &stateRecorder{},
	}
	h.clock = clock.NewTestClockWithTickSignal(testTime, h.tickSignal)

	h.Daemon = NewDaemon(&DaemonConfig{
		Launcher:        h.launcher,
		Clock:           h.clock,
		OnState:         h.recorder.record,
		StartupTimeout:  time.Minute,
		ShutdownTimeout: time.Second,
	})
	t.Cleanup(func() {
		require.NoError(t, h.Close())
	})

	return h
}

// waitState waits until the daemon reaches the given state.
func (h *daemonHarness) waitState(t *testing.T, state State) Status {
	t.Helper()

	var status Status
	require.Eventually(t, func() bool {
		status = h.Status()
		return status.State == state
	}, testTimeout, 10*time.Millisecond)

	return status
}

// waitRunning waits for the daemon to be running.
func (h *daemonHarness) waitRunning(t *testing.T) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	return h.WaitRunning(ctx)
}

// TestDaemonDoubleStart asserts a second start while the first is still
// bootstrapping spawns nothing and isn't an error.
func TestDaemonDoubleStart(t *testing.T) {
	t.Parallel()

	h := newDaemonHarness(t)
	proc := newMockProcess()
	h.launcher.On("Launch", mock.Anything, testConfig.Args()).
		Return(proc, nil).Once()

	require.NoError(t, h.Start(testConfig))
	require.Equal(t, Starting, h.Status().State)
	require.False(t, h.IsRunning())

	require.NoError(t, h.Start(testConfig))
	require.Equal(t, Starting, h.Status().State)

	proc.progress(50)
	proc.progress(100)

	require.NoError(t, h.waitRunning(t))
	require.True(t, h.IsRunning())

	// Starting again while running is a no-op as well.
	require.NoError(t, h.Start(testConfig))

	status := h.Status()
	require.Equal(t, Running, status.State)
	require.Equal(t, "127.0.0.1:9150", status.SOCKSAddr)
	require.Equal(t, 100, status.Bootstrap.Percent)
	require.NoError(t, status.Err)

	h.launcher.AssertNumberOfCalls(t, "Launch", 1)
	h.recorder.requireStates(t,
		connstate.Establishing, connstate.Established,
	)
}

// TestDaemonLaunchFailure asserts a process that can't be spawned leaves the
// daemon stopped with a start failure.
func TestDaemonLaunchFailure(t *testing.T) {
	t.Parallel()

	h := newDaemonHarness(t)
	h.launcher.On("Launch", mock.Anything, mock.Anything).
		Return(nil, errLaunch).Once()

	require.NoError(t, h.Start(testConfig))

	err := h.waitRunning(t)
	require.ErrorIs(t, err, ErrStartFailed)
	require.ErrorIs(t, err, errLaunch)

	status := h.waitState(t, Stopped)
	require.ErrorIs(t, status.Err, ErrStartFailed)
	require.False(t, h.IsRunning())

	h.recorder.requireStates(t,
		connstate.Establishing, connstate.Closed,
	)
}

// TestDaemonExitBeforeReady asserts a process exiting during bootstrap is a
// start failure.
func TestDaemonExitBeforeReady(t *testing.T) {
	t.Parallel()

	h := newDaemonHarness(t)
	proc := newMockProcess()
	h.launcher.On("Launch", mock.Anything, mock.Anything).
		Return(proc, nil).Once()

	require.NoError(t, h.Start(testConfig))
	proc.progress(10)
	proc.exit(errors.New("exit status 1"))

	require.ErrorIs(t, h.waitRunning(t), ErrStartFailed)
	h.recorder.requireStates(t,
		connstate.Establishing, connstate.Closed,
	)
}

// TestDaemonStartupTimeout asserts tor is killed off when it doesn't
// bootstrap in time.
func TestDaemonStartupTimeout(t *testing.T) {
	t.Parallel()

	h := newDaemonHarness(t)
	proc := newMockProcess()
	h.launcher.On("Launch", mock.Anything, mock.Anything).
		Return(proc, nil).Once()

	require.NoError(t, h.Start(testConfig))

	// Once the startup timer is registered, let it expire.
	select {
	case d := <-h.tickSignal:
		require.Equal(t, time.Minute, d)

	case <-time.After(testTimeout):
		t.Fatal("startup timer not registered")
	}
	h.clock.SetTime(testTime.Add(time.Minute))

	require.ErrorIs(t, h.waitRunning(t), ErrStartFailed)
	require.EqualValues(t, 1, proc.interrupts.Load())
}

// TestDaemonStop asserts a running tor is interrupted and the daemon ends up
// stopped without an error.
func TestDaemonStop(t *testing.T) {
	t.Parallel()

	h := newDaemonHarness(t)
	proc := newMockProcess()
	h.launcher.On("Launch", mock.Anything, mock.Anything).
		Return(proc, nil).Once()

	require.NoError(t, h.Start(testConfig))
	proc.progress(100)
	require.NoError(t, h.waitRunning(t))

	require.NoError(t, h.Stop())
	status := h.waitState(t, Stopped)
	require.NoError(t, status.Err)
	require.EqualValues(t, 1, proc.interrupts.Load())
	require.Zero(t, proc.kills.Load())

	// Stopping again is a no-op.
	require.NoError(t, h.Stop())

	h.recorder.requireStates(t,
		connstate.Establishing, connstate.Established,
		connstate.Closed,
	)
}

// TestDaemonStopKills asserts a process ignoring the interrupt is killed
// once the shutdown timeout expires.
func TestDaemonStopKills(t *testing.T) {
	t.Parallel()

	h := newDaemonHarness(t)
	proc := newMockProcess()
	proc.ignoreInterrupt = true
	h.launcher.On("Launch", mock.Anything, mock.Anything).
		Return(proc, nil).Once()

	require.NoError(t, h.Start(testConfig))
	<-h.tickSignal

	proc.progress(100)
	require.NoError(t, h.waitRunning(t))

	require.NoError(t, h.Stop())
	require.Equal(t, Stopping, h.Status().State)

	select {
	case d := <-h.tickSignal:
		require.Equal(t, time.Second, d)

	case <-time.After(testTimeout):
		t.Fatal("shutdown timer not registered")
	}
	h.clock.SetTime(testTime.Add(time.Second))

	h.waitState(t, Stopped)
	require.EqualValues(t, 1, proc.kills.Load())
}

// TestDaemonRestart asserts the daemon can be started again after a stop and
// that every start spawns a new process.
func TestDaemonRestart(t *testing.T) {
	t.Parallel()

	h := newDaemonHarness(t)
	first, second := newMockProcess(), newMockProcess()
	h.launcher.On("Launch", mock.Anything, mock.Anything).
		Return(first, nil).Once()
	h.launcher.On("Launch", mock.Anything, mock.Anything).
		Return(second, nil).Once()

	require.NoError(t, h.Start(testConfig))
	first.progress(100)
	require.NoError(t, h.waitRunning(t))

	require.NoError(t, h.Stop())
	h.waitState(t, Stopped)

	require.NoError(t, h.Start(testConfig))
	second.progress(100)
	require.NoError(t, h.waitRunning(t))

	h.launcher.AssertNumberOfCalls(t, "Launch", 2)
}

// TestDaemonUnexpectedExit asserts tor exiting on its own while running is
// reported.
func TestDaemonUnexpectedExit(t *testing.T) {
	t.Parallel()

	h := newDaemonHarness(t)
	proc := newMockProcess()
	h.launcher.On("Launch", mock.Anything, mock.Anything).
		Return(proc, nil).Once()

	client, err := h.Subscribe()
	require.NoError(t, err)
	defer client.Cancel()

	require.NoError(t, h.Start(testConfig))
	proc.progress(100)
	require.NoError(t, h.waitRunning(t))

	proc.exit(errors.New("segfault"))

	status := h.waitState(t, Stopped)
	require.ErrorIs(t, status.Err, ErrProcessExited)
	require.NotErrorIs(t, status.Err, ErrStartFailed)

	// The subscription saw every transition in order, starting with the
	// status retained before the start.
	var states []State
	for len(states) < 4 {
		select {
		case s := <-client.Updates():
			if len(states) == 0 || states[len(states)-1] != s.State {
				states = append(states, s.State)
			}

		case <-time.After(testTimeout):
			t.Fatalf("missing status updates, got %v", states)
		}
	}
	require.Equal(t, []State{Stopped, Starting, Running, Stopped}, states)
}

// TestDaemonLiveness asserts a running tor whose SOCKS port stops accepting
// connections is torn down.
func TestDaemonLiveness(t *testing.T) {
	t.Parallel()

	launcher := &mockLauncher{}
	proc := newMockProcess()
	launcher.On("Launch", mock.Anything, mock.Anything).
		Return(proc, nil).Once()

	recorder := &stateRecorder{}
	d := NewDaemon(&DaemonConfig{
		Launcher:         launcher,
		Clock:            clock.NewTestClock(testTime),
		OnState:          recorder.record,
		StartupTimeout:   time.Minute,
		ShutdownTimeout:  time.Second,
		LivenessInterval: 10 * time.Millisecond,
		LivenessTimeout:  10 * time.Millisecond,
		LivenessBackoff:  time.Millisecond,
		LivenessAttempts: 2,
		Dial: func(context.Context, string, string) (net.Conn,
			error) {

			return nil, errors.New("connection refused")
		},
	})
	t.Cleanup(func() {
		require.NoError(t, d.Close())
	})

	require.NoError(t, d.Start(testConfig))
	proc.progress(100)

	require.Eventually(t, func() bool {
		status := d.Status()
		return status.State == Stopped &&
			errors.Is(status.Err, ErrUnresponsive)
	}, testTimeout, 10*time.Millisecond)

	require.EqualValues(t, 1, proc.interrupts.Load())
	recorder.requireStates(t,
		connstate.Establishing, connstate.Established,
		connstate.Closed,
	)
}

// TestDaemonInvalidConfig asserts invalid arguments are refused up front.
func TestDaemonInvalidConfig(t *testing.T) {
	t.Parallel()

	h := newDaemonHarness(t)

	require.Error(t, h.Start(&Config{SOCKSPort: 9150}))
	require.Equal(t, Stopped, h.Status().State)
	h.launcher.AssertNotCalled(t, "Launch", mock.Anything, mock.Anything)
}

// TestStateConnState checks the mapping of lifecycle states onto connection
// states.
func TestStateConnState(t *testing.T) {
	t.Parallel()

	require.Equal(t, connstate.Closed, Stopped.ConnState())
	require.Equal(t, connstate.Establishing, Starting.ConnState())
	require.Equal(t, connstate.Established, Running.ConnState())
	require.Equal(t, connstate.Closed, Stopping.ConnState())
}
