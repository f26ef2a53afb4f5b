// Package supervisor implements the subprocess supervisor: it owns the
// inference child process, probes it via runtime/info on
// startup, restarts it with bounded backoff on unexpected exit, and
// publishes a brand-new *transport.Transport on every (re)start so
// consumers can detect the swap by pointer identity.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/joeycumines/go-mlxdispatch/internal/rpc"
	"github.com/joeycumines/go-mlxdispatch/internal/telemetry"
	"github.com/joeycumines/go-mlxdispatch/internal/transport"
	"github.com/joeycumines/go-mlxdispatch/internal/wire"
)

// Status is the supervisor's lifecycle state.
type Status int

const (
	StatusStopped Status = iota
	StatusStarting
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Defaults for supervisor timing.
const (
	DefaultStartupTimeout   = 30 * time.Second
	DefaultShutdownTimeout  = 5 * time.Second
	DefaultMaxRestarts      = 3
	DefaultRestartDelayBase = time.Second
)

// Info is the supervisor's point-in-time status snapshot.
type Info struct {
	PID    int
	Status Status
	Uptime time.Duration
}

// OnTransport is invoked, synchronously on the supervisor's run goroutine,
// once a freshly spawned child has answered a runtime/info probe. The
// returned func becomes the transport's message handler: the supervisor
// installs it atomically before any further message can arrive, so no
// notification is ever delivered to the stale probing handler.
type OnTransport func(t *transport.Transport, info wire.RuntimeInfo) func(wire.Message)

// OnExit is invoked whenever the child exits unexpectedly while ready,
// before a restart attempt begins.
type OnExit func(err error)

// OnStatusChange is invoked synchronously, on whatever goroutine triggered
// the transition, every time the supervisor's Status changes (starting,
// ready, error, stopped).
type OnStatusChange func(Status)

// Config configures a Supervisor.
type Config struct {
	Command          string
	Args             []string
	StartupTimeout   time.Duration
	ShutdownTimeout  time.Duration
	MaxRestarts      int
	RestartDelayBase time.Duration
	// MaxLineBufferBytes overrides the transport's default max line length,
	// if positive. Zero keeps transport.DefaultMaxLineBufferBytes.
	MaxLineBufferBytes int
	Logger             telemetry.Logger
	OnTransport        OnTransport
	OnExit             OnExit
	OnStatusChange     OnStatusChange
}

// Supervisor owns exactly one child process lifetime at a time.
type Supervisor struct {
	cfg Config
	log telemetry.Logger

	mu        sync.Mutex
	status    Status
	cmd       *exec.Cmd
	transport *transport.Transport
	handler   func(wire.Message)
	startedAt time.Time
	restarts  int

	stopCh chan struct{}
	stopOnce sync.Once
}

// New builds a Supervisor. It does not spawn anything until Start is
// called.
func New(cfg Config) *Supervisor {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.RestartDelayBase <= 0 {
		cfg.RestartDelayBase = DefaultRestartDelayBase
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Nop()
	}
	return &Supervisor{
		cfg:    cfg,
		log:    cfg.Logger,
		status: StatusStopped,
		stopCh: make(chan struct{}),
	}
}

// Start spawns the child, probing it up to MaxRestarts times. Returns once
// the child is ready, or the final attempt's error once restarts are
// exhausted.
func (s *Supervisor) Start(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRestarts; attempt++ {
		if attempt > 1 {
			delay := s.cfg.RestartDelayBase * time.Duration(attempt-1)
			s.log.Warn("supervisor: retrying child startup", telemetry.F("attempt", attempt), telemetry.F("delayMs", delay.Milliseconds()))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := s.spawnAndProbe(ctx); err != nil {
			lastErr = err
			s.setStatus(StatusError)
			continue
		}
		return nil
	}
	return fmt.Errorf("supervisor: exhausted %d restart attempts: %w", s.cfg.MaxRestarts, lastErr)
}

func (s *Supervisor) spawnAndProbe(ctx context.Context) error {
	s.setStatus(StatusStarting)

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	cmd.Stderr = &logWriter{log: s.log}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: spawn: %w", err)
	}

	trOpts := []transport.Option{transport.WithLogger(s.log)}
	if s.cfg.MaxLineBufferBytes > 0 {
		trOpts = append(trOpts, transport.WithMaxLineBufferBytes(s.cfg.MaxLineBufferBytes))
	}
	tr := transport.New(stdout, stdin, multiCloser{stdin, cmd}, trOpts...)

	probeCtx, cancelProbe := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancelProbe()

	probeCorrelator := rpc.New(tr, 1, s.log)
	receiveDone := make(chan error, 1)
	go func() { receiveDone <- tr.Receive(probeCtx, probeCorrelator.HandleResponse) }()

	rawInfo, err := probeCorrelator.Request(probeCtx, wire.MethodRuntimeInfo, struct{}{}, s.cfg.StartupTimeout)
	cancelProbe()
	<-receiveDone

	if err != nil {
		_ = tr.Close()
		_ = cmd.Wait()
		return fmt.Errorf("supervisor: startup probe failed: %w", err)
	}

	var info wire.RuntimeInfo
	if err := wire.DecodeResult(rawInfo, &info); err != nil {
		_ = tr.Close()
		_ = cmd.Wait()
		return fmt.Errorf("supervisor: decoding runtime/info: %w", err)
	}

	var handler func(wire.Message)
	if s.cfg.OnTransport != nil {
		handler = s.cfg.OnTransport(tr, info)
	}
	if handler == nil {
		handler = func(wire.Message) {}
	}

	s.mu.Lock()
	s.cmd = cmd
	s.transport = tr
	s.handler = handler
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.setStatus(StatusReady)

	go s.monitor(cmd, tr)
	return nil
}

// monitor runs the transport's sole Receive loop for the transport's
// entire lifetime, dispatching every message to the currently installed
// handler, and watches for the child exiting unexpectedly.
func (s *Supervisor) monitor(cmd *exec.Cmd, tr *transport.Transport) {
	recvErr := make(chan error, 1)
	go func() {
		recvErr <- tr.Receive(context.Background(), func(msg wire.Message) {
			s.mu.Lock()
			h := s.handler
			s.mu.Unlock()
			if h != nil {
				h(msg)
			}
		})
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-s.stopCh:
		return
	case err := <-recvErr:
		s.handleUnexpectedExit(fmt.Errorf("supervisor: transport closed: %w", err))
	case err := <-waitErr:
		s.handleUnexpectedExit(fmt.Errorf("supervisor: child exited: %w", err))
	}
}

func (s *Supervisor) handleUnexpectedExit(err error) {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.setStatus(StatusError)
	s.log.Error("supervisor: unexpected child exit", err)
	if s.cfg.OnExit != nil {
		s.cfg.OnExit(err)
	}

	s.mu.Lock()
	s.restarts++
	restarts := s.restarts
	s.mu.Unlock()

	if restarts > s.cfg.MaxRestarts {
		s.log.Error("supervisor: exhausted restarts, giving up", err, telemetry.F("restarts", restarts))
		return
	}

	delay := s.cfg.RestartDelayBase * time.Duration(restarts)
	time.Sleep(delay)
	if spawnErr := s.spawnAndProbe(context.Background()); spawnErr != nil {
		s.log.Error("supervisor: restart failed", spawnErr)
	}
}

// Stop gracefully shuts the child down: it sends the shutdown RPC, waits
// up to ShutdownTimeout for exit, then kills. Idempotent.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	cmd, tr := s.cmd, s.transport
	s.mu.Unlock()
	if cmd == nil {
		s.setStatus(StatusStopped)
		return nil
	}

	if tr != nil {
		if msg, err := wire.NewNotification(wire.MethodShutdown, struct{}{}); err == nil {
			_ = tr.Send(msg)
		}
	}

	exited := make(chan struct{})
	go func() { _ = cmd.Wait(); close(exited) }()

	select {
	case <-exited:
	case <-time.After(s.cfg.ShutdownTimeout):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-exited
	}
	if tr != nil {
		_ = tr.Close()
	}
	s.setStatus(StatusStopped)
	return nil
}

// Info returns the current status snapshot.
func (s *Supervisor) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{Status: s.status}
	if s.cmd != nil && s.cmd.Process != nil {
		info.PID = s.cmd.Process.Pid
	}
	if s.status == StatusReady {
		info.Uptime = time.Since(s.startedAt)
	}
	return info
}

// GetTransport returns the current transport, or nil if not ready.
func (s *Supervisor) GetTransport() *transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusReady {
		return nil
	}
	return s.transport
}

func (s *Supervisor) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	if s.cfg.OnStatusChange != nil {
		s.cfg.OnStatusChange(status)
	}
}

type logWriter struct{ log telemetry.Logger }

func (w *logWriter) Write(p []byte) (int, error) {
	w.log.Warn("supervisor: child stderr", telemetry.F("line", string(p)))
	return len(p), nil
}

// multiCloser closes the child's stdin pipe, then waits are handled by the
// monitor goroutine via cmd.Wait separately; Close here only needs to
// unblock the child's read loop on its stdin.
type multiCloser struct {
	stdin io.Closer
	cmd   *exec.Cmd
}

func (m multiCloser) Close() error {
	return m.stdin.Close()
}
