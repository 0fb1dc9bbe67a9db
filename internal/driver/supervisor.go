package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sebastianm/runix/internal/portutil"
	"github.com/sebastianm/runix/internal/procutil"
)

// SupervisorOptions tunes child process handling.
type SupervisorOptions struct {
	StartupTimeout time.Duration // port-accept deadline, default 10s
	StopGrace      time.Duration // voluntary-exit window, default 5s
	DriverLogLevel string        // forwarded via RUNIX_DRIVER_LOG_LEVEL
	PortBase       int           // sequential port allocation base; 0 means OS-assigned
}

func (o SupervisorOptions) withDefaults() SupervisorOptions {
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 10 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.DriverLogLevel == "" {
		o.DriverLogLevel = "info"
	}
	return o
}

// ProcessInfo identifies one supervised child.
type ProcessInfo struct {
	DriverID   string
	PID        int
	Port       int
	InstanceID string
}

type managedProcess struct {
	info ProcessInfo
	cmd  *exec.Cmd
	tail *stdioTail
	done chan struct{} // closed when Wait returns
}

// Supervisor spawns driver executables, injects the ephemeral port, and
// tracks every child so the cleanup manager can guarantee none outlives
// the engine.
type Supervisor struct {
	log  *slog.Logger
	opts SupervisorOptions

	mu       sync.Mutex
	procs    map[string]*managedProcess // keyed by driver id
	nextPort int                        // next preferred port when PortBase is set
}

// NewSupervisor builds an empty supervisor.
func NewSupervisor(log *slog.Logger, opts SupervisorOptions) *Supervisor {
	return &Supervisor{
		log:   log.With("component", "supervisor"),
		opts:  opts.withDefaults(),
		procs: map[string]*managedProcess{},
	}
}

// Start reserves an ephemeral port, spawns the manifest's executable with
// the RUNIX_DRIVER_* environment, and polls the port until the child
// accepts or the startup timeout expires.
func (s *Supervisor) Start(ctx context.Context, id string, m *Manifest) (ProcessInfo, error) {
	s.mu.Lock()
	if _, exists := s.procs[id]; exists {
		s.mu.Unlock()
		return ProcessInfo{}, &StartupError{DriverID: id, Reason: "already running"}
	}
	s.mu.Unlock()

	if ok, reason := m.Startable(); !ok {
		return ProcessInfo{}, &StartupError{DriverID: id, Reason: reason}
	}

	port, err := s.reservePort()
	if err != nil {
		return ProcessInfo{}, &StartupError{DriverID: id, Reason: "port reservation", Err: err}
	}
	instanceID := uuid.New().String()

	cmd := exec.Command(m.ExecutablePath())
	cmd.Dir = m.Dir
	cmd.Env = BuildEnv(ChildEnv(port, instanceID, s.opts.DriverLogLevel))

	tail := newStdioTail(64)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ProcessInfo{}, &StartupError{DriverID: id, Reason: "stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ProcessInfo{}, &StartupError{DriverID: id, Reason: "stderr pipe", Err: err}
	}

	if err := procutil.StartWithCleanup(cmd); err != nil {
		return ProcessInfo{}, &StartupError{DriverID: id, Reason: "spawn", Err: err}
	}

	// Drain both pipes to EOF before Wait so no tail output is lost.
	var drained sync.WaitGroup
	drained.Add(2)
	go func() {
		defer drained.Done()
		s.drainStdio(id, "stdout", stdout, tail)
	}()
	go func() {
		defer drained.Done()
		s.drainStdio(id, "stderr", stderr, tail)
	}()

	proc := &managedProcess{
		info: ProcessInfo{DriverID: id, PID: cmd.Process.Pid, Port: port, InstanceID: instanceID},
		cmd:  cmd,
		tail: tail,
		done: make(chan struct{}),
	}
	go func() {
		drained.Wait()
		_ = cmd.Wait()
		close(proc.done)
	}()

	s.mu.Lock()
	s.procs[id] = proc
	s.mu.Unlock()

	s.log.Info("driver spawned", "driver", id, "pid", proc.info.PID, "port", port)

	if err := s.awaitAccept(ctx, proc); err != nil {
		s.remove(id)
		_ = cmd.Process.Kill()
		<-proc.done
		return ProcessInfo{}, &StartupError{DriverID: id, Reason: "port never accepted", StdioTail: tail.String(), Err: err}
	}
	return proc.info, nil
}

// reservePort picks the child's listen port: OS-assigned by default, or
// walking upward from PortBase when one is configured. Each start gets a
// distinct preferred port so concurrent spawns do not race for the same
// one.
func (s *Supervisor) reservePort() (int, error) {
	if s.opts.PortBase <= 0 {
		return portutil.Reserve()
	}
	s.mu.Lock()
	preferred := s.nextPort
	if preferred < s.opts.PortBase {
		preferred = s.opts.PortBase
	}
	s.nextPort = preferred + 1
	s.mu.Unlock()
	return portutil.ReserveFrom(preferred, 16)
}

// awaitAccept polls the child's port with short TCP connects.
func (s *Supervisor) awaitAccept(ctx context.Context, proc *managedProcess) error {
	addr := fmt.Sprintf("127.0.0.1:%d", proc.info.Port)
	deadline := time.Now().Add(s.opts.StartupTimeout)

	for {
		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no accept on %s within %s", addr, s.opts.StartupTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proc.done:
			return fmt.Errorf("process exited before accepting on %s", addr)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *Supervisor) drainStdio(id, stream string, r io.Reader, tail *stdioTail) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		tail.append(line)
		s.log.Debug("driver output", "driver", id, "stream", stream, "line", line)
	}
}

// Stop waits up to grace for a voluntary exit (the registry has already
// sent the shutdown RPC), then escalates to SIGTERM and finally SIGKILL.
func (s *Supervisor) Stop(id string, grace time.Duration) error {
	proc := s.lookup(id)
	if proc == nil {
		return nil
	}
	if grace <= 0 {
		grace = s.opts.StopGrace
	}

	select {
	case <-proc.done:
		s.remove(id)
		return nil
	case <-time.After(grace):
	}

	s.log.Info("driver did not exit in grace period, terminating", "driver", id, "pid", proc.info.PID)
	_ = proc.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-proc.done:
	case <-time.After(2 * time.Second):
		_ = proc.cmd.Process.Kill()
		<-proc.done
	}
	s.remove(id)
	return nil
}

// Kill forcibly terminates the child immediately.
func (s *Supervisor) Kill(id string) {
	proc := s.lookup(id)
	if proc == nil {
		return
	}
	_ = proc.cmd.Process.Kill()
	<-proc.done
	s.remove(id)
	s.log.Info("driver killed", "driver", id, "pid", proc.info.PID)
}

// KillAll is the emergency path: forcibly terminate every tracked child.
func (s *Supervisor) KillAll() {
	for _, info := range s.Processes() {
		s.Kill(info.DriverID)
	}
}

// IsAlive reports whether the driver's child process is still running.
func (s *Supervisor) IsAlive(id string) bool {
	proc := s.lookup(id)
	if proc == nil {
		return false
	}
	select {
	case <-proc.done:
		return false
	default:
		return true
	}
}

// Processes snapshots the process table.
func (s *Supervisor) Processes() []ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]ProcessInfo, 0, len(s.procs))
	for _, p := range s.procs {
		infos = append(infos, p.info)
	}
	return infos
}

// StdioTail returns the last captured output lines for diagnostics.
func (s *Supervisor) StdioTail(id string) string {
	proc := s.lookup(id)
	if proc == nil {
		return ""
	}
	return proc.tail.String()
}

func (s *Supervisor) lookup(id string) *managedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[id]
}

func (s *Supervisor) remove(id string) {
	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
}

// stdioTail keeps the last n lines of child output.
type stdioTail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newStdioTail(max int) *stdioTail {
	return &stdioTail{max: max}
}

func (t *stdioTail) append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *stdioTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
