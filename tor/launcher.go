package tor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
)

// bootstrapRegexp matches the bootstrap notices tor logs, for example
// "Bootstrapped 45% (requesting_descriptors): Asking for relay descriptors".
var bootstrapRegexp = regexp.MustCompile(
	`Bootstrapped (\d{1,3})%(?: \(([^)]*)\))?: (.*)$`,
)

// BootstrapProgress describes how far tor is in connecting to the network.
type BootstrapProgress struct {
	// Percent is between 0 and 100.
	Percent int

	// Tag is the machine readable name of the current phase.
	Tag string

	// Summary is the human readable description of the current phase.
	Summary string
}

// Done returns true once tor is fully bootstrapped and ready to relay
// traffic.
func (p BootstrapProgress) Done() bool {
	return p.Percent >= 100
}

// String returns the progress in the format tor logs it.
func (p BootstrapProgress) String() string {
	return fmt.Sprintf("%d%% (%s): %s", p.Percent, p.Tag, p.Summary)
}

// ParseBootstrapNotice extracts the bootstrap progress from a tor log line.
// The second return value is false if the line isn't a bootstrap notice.
func ParseBootstrapNotice(line string) (BootstrapProgress, bool) {
	m := bootstrapRegexp.FindStringSubmatch(line)
	if m == nil {
		return BootstrapProgress{}, false
	}

	percent, err := strconv.Atoi(m[1])
	if err != nil || percent > 100 {
		return BootstrapProgress{}, false
	}

	return BootstrapProgress{
		Percent: percent,
		Tag:     m[2],
		Summary: m[3],
	}, true
}

// Process is a running tor instance.
type Process interface {
	// Bootstrap delivers bootstrap progress. Intermediate values may be
	// skipped, the latest is always delivered. The channel is closed when
	// the process exits.
	Bootstrap() <-chan BootstrapProgress

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// Err returns the exit error of the process once Done is closed.
	Err() error

	// Interrupt asks the process to exit.
	Interrupt() error

	// Kill terminates the process immediately.
	Kill() error
}

// Launcher spawns tor processes.
type Launcher interface {
	// Launch starts tor with the given arguments. It returns once the
	// process is spawned, not once it's ready.
	Launch(ctx context.Context, args []string) (Process, error)
}

// ExecLauncher launches the tor binary as a child process.
type ExecLauncher struct {
	// Path is the tor binary. If empty, tor is looked up in PATH.
	Path string

	// Env is the environment of the process. If nil, the current
	// environment is inherited.
	Env []string
}

// A compile-time check to ensure ExecLauncher implements the Launcher
// interface.
var _ Launcher = (*ExecLauncher)(nil)

// Launch spawns tor and starts following its notices.
func (l *ExecLauncher) Launch(ctx context.Context,
	args []string) (Process, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := l.Path
	if path == "" {
		var err error
		path, err = exec.LookPath("tor")
		if err != nil {
			return nil, fmt.Errorf("unable to find tor binary: %w",
				err)
		}
	}

	// The process outlives the context used to launch it, its lifetime
	// is managed through Interrupt and Kill.
	cmd := exec.Command(path, args...)
	cmd.Env = l.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("unable to start tor: %w", err)
	}

	log.Infof("Launched tor (pid %d)", cmd.Process.Pid)

	p := &execProcess{
		cmd:       cmd,
		bootstrap: make(chan BootstrapProgress, 1),
		done:      make(chan struct{}),
	}
	go p.follow(stdout)

	return p, nil
}

// execProcess is a tor child process.
type execProcess struct {
	cmd *exec.Cmd

	bootstrap chan BootstrapProgress
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// A compile-time check to ensure execProcess implements the Process
// interface.
var _ Process = (*execProcess)(nil)

// follow reads the notices of the process until it exits, then reaps it.
//
// NOTE: MUST be run as a goroutine.
func (p *execProcess) follow(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debugf("tor: %v", line)

		progress, ok := ParseBootstrapNotice(line)
		if !ok {
			continue
		}

		// Replace any progress the daemon hasn't consumed yet. We're
		// the only sender, so the send can't block once drained.
		select {
		case <-p.bootstrap:
		default:
		}
		p.bootstrap <- progress
	}
	if err := scanner.Err(); err != nil {
		log.Debugf("Reading tor output failed: %v", err)
	}

	err := p.cmd.Wait()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = fmt.Errorf("tor exited: %w", exitErr)
	}

	p.errMu.Lock()
	p.err = err
	p.errMu.Unlock()

	close(p.bootstrap)
	close(p.done)
}

// Bootstrap delivers the latest bootstrap progress.
func (p *execProcess) Bootstrap() <-chan BootstrapProgress {
	return p.bootstrap
}

// Done is closed once the process has exited.
func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error of the process.
func (p *execProcess) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()

	return p.err
}

// Interrupt sends SIGINT, which makes a client-only tor exit immediately.
func (p *execProcess) Interrupt() error {
	return p.cmd.Process.Signal(os.Interrupt)
}

// Kill terminates the process.
func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
