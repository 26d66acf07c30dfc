// Package supervisor owns the lifecycle of the AI-routing sidecar process:
// spawning it with a generated config, probing its health, restarting it on
// configuration changes, and recovering from crashes.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/configgen"
	"github.com/tokengate/tokengate/pkg/models"
)

// ConfigLoader fetches the current admin-editable server configuration.
type ConfigLoader func(ctx context.Context) (models.ServerConfig, error)

// Options configures a Supervisor. Zero durations fall back to defaults.
type Options struct {
	Binary     string // sidecar executable path or name resolved via PATH
	ConfigPath string // where the generated YAML lives
	Management *Management

	HealthTimeout time.Duration // total budget for the startup health poll
	StopGrace     time.Duration // wait after SIGTERM before SIGKILL
	CrashWindow   time.Duration // two crashes inside this window disable auto-restart
}

const (
	defaultHealthTimeout = 30 * time.Second
	defaultStopGrace     = 5 * time.Second
	defaultCrashWindow   = 10 * time.Second
)

// child tracks one spawned sidecar process.
type child struct {
	cmd       *exec.Cmd
	pid       int
	port      int
	startedAt time.Time
	stopping  bool
	done      chan struct{} // closed once the watcher has observed exit
}

// Supervisor manages a single sidecar child. Lifecycle operations are
// serialized; Status is safe to call concurrently.
type Supervisor struct {
	opMu sync.Mutex // serializes Start/Stop/Restart/Reload

	binary     string
	configPath string
	mgmt       *Management
	gen        *configgen.Generator
	loadConfig ConfigLoader
	logs       *LogBuffer

	healthTimeout time.Duration
	stopGrace     time.Duration
	crashWindow   time.Duration

	mu          sync.Mutex // guards the fields below
	child       *child
	lastCrash   *time.Time
	autoRestart bool
}

// New builds a supervisor. The sidecar is not started until Start is called.
func New(gen *configgen.Generator, loadConfig ConfigLoader, opts Options) *Supervisor {
	if opts.HealthTimeout == 0 {
		opts.HealthTimeout = defaultHealthTimeout
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.CrashWindow == 0 {
		opts.CrashWindow = defaultCrashWindow
	}
	return &Supervisor{
		binary:        opts.Binary,
		configPath:    opts.ConfigPath,
		mgmt:          opts.Management,
		gen:           gen,
		loadConfig:    loadConfig,
		logs:          NewLogBuffer(1000),
		healthTimeout: opts.HealthTimeout,
		stopGrace:     opts.StopGrace,
		crashWindow:   opts.CrashWindow,
	}
}

// Logs exposes the captured sidecar output.
func (s *Supervisor) Logs() *LogBuffer { return s.logs }

// Start launches the sidecar if it is not already healthy. Idempotent: a
// live child answering health is left alone. A manual start re-arms
// auto-restart after a crash loop disabled it.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.autoRestart = true
	s.mu.Unlock()

	return s.startLocked(ctx)
}

// startLocked is the spawn path; the caller holds opMu.
func (s *Supervisor) startLocked(ctx context.Context) error {
	s.mu.Lock()
	running := s.child != nil
	s.mu.Unlock()
	if running {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.mgmt.Health(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Msg("Sidecar child present but unhealthy, restarting")
		s.stopLocked()
	}

	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load server config: %w", err)
	}
	if _, err := s.gen.Write(ctx, cfg, s.configPath); err != nil {
		return fmt.Errorf("write sidecar config: %w", err)
	}

	cmd := exec.Command(s.binary, "--config", s.configPath)
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn sidecar %q: %w", s.binary, err)
	}

	c := &child{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		port:      cfg.ProxyPort,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.child = c
	s.mu.Unlock()

	go s.capture("stdout", stdout)
	go s.capture("stderr", stderr)
	go s.watch(c)

	log.Info().Int("pid", c.pid).Int("port", c.port).Msg("Sidecar process started")

	if err := s.waitHealthy(ctx, c); err != nil {
		log.Error().Err(err).Int("pid", c.pid).Msg("Sidecar failed to become healthy")
		s.stopLocked()
		return fmt.Errorf("sidecar startup: %w", err)
	}
	return nil
}

// waitHealthy polls the management health endpoint with exponential backoff
// until the child answers, exits, or the budget runs out.
func (s *Supervisor) waitHealthy(ctx context.Context, c *child) error {
	deadline := time.Now().Add(s.healthTimeout)
	backoff := 250 * time.Millisecond

	for {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.mgmt.Health(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("health poll timed out after %s: %w", s.healthTimeout, err)
		}
		select {
		case <-c.done:
			return fmt.Errorf("sidecar exited during startup")
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// capture streams one pipe into the log ring buffer.
func (s *Supervisor) capture(stream string, r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		s.logs.Write(stream, scanner.Text())
	}
}

// watch observes the child's exit and drives crash recovery.
func (s *Supervisor) watch(c *child) {
	err := c.cmd.Wait()
	close(c.done)

	s.mu.Lock()
	if s.child != c {
		s.mu.Unlock()
		return
	}
	stopping := c.stopping
	s.child = nil
	if stopping {
		s.mu.Unlock()
		log.Info().Int("pid", c.pid).Msg("Sidecar process stopped")
		return
	}

	// Crash path.
	now := time.Now().UTC()
	repeat := s.lastCrash != nil && now.Sub(*s.lastCrash) < s.crashWindow
	s.lastCrash = &now
	if repeat {
		s.autoRestart = false
	}
	restart := s.autoRestart
	s.mu.Unlock()

	log.Error().Err(err).Int("pid", c.pid).Bool("auto_restart", restart).
		Msg("Sidecar process crashed")

	if !restart {
		log.Warn().Msg("Sidecar crashed twice in quick succession, auto-restart disabled until a manual start")
		return
	}

	// One automatic restart with a jittered delay, so a flapping binary
	// does not spin hot.
	delay := 500*time.Millisecond + time.Duration(rand.Intn(1500))*time.Millisecond
	time.Sleep(delay)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	// An operator may have stopped or started the sidecar during the delay;
	// their action wins over crash recovery.
	s.mu.Lock()
	armed := s.autoRestart && s.child == nil
	s.mu.Unlock()
	if !armed {
		log.Info().Int("pid", c.pid).Msg("Sidecar auto-restart canceled")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.healthTimeout+10*time.Second)
	defer cancel()
	if err := s.startLocked(ctx); err != nil {
		log.Error().Err(err).Msg("Sidecar auto-restart failed")
	}
}

// Stop terminates the child gracefully, force-killing after the grace
// period, and disarms crash auto-restart until the next Start or Restart.
// Stopping an already-stopped supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	// Disarm first: a crash watcher sleeping out its restart delay must not
	// respawn a child the operator asked to stop.
	s.mu.Lock()
	s.autoRestart = false
	s.mu.Unlock()

	s.stopLocked()
	return nil
}

func (s *Supervisor) stopLocked() {
	s.mu.Lock()
	c := s.child
	if c == nil {
		s.mu.Unlock()
		return
	}
	c.stopping = true
	s.mu.Unlock()

	_ = c.cmd.Process.Signal(os.Interrupt)
	select {
	case <-c.done:
	case <-time.After(s.stopGrace):
		log.Warn().Int("pid", c.pid).Msg("Sidecar did not exit within grace period, killing")
		_ = c.cmd.Process.Kill()
		<-c.done
	}
}

// Restart stops then starts the child, preserving the configured port. Like
// Start, it re-arms auto-restart.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.autoRestart = true
	s.mu.Unlock()

	s.stopLocked()
	return s.startLocked(ctx)
}

// Reload regenerates the sidecar config from database state and restarts
// the child only when the file actually changed. Provider and account
// mutations call this after commit.
func (s *Supervisor) Reload(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load server config: %w", err)
	}
	changed, err := s.gen.Write(ctx, cfg, s.configPath)
	if err != nil {
		return fmt.Errorf("write sidecar config: %w", err)
	}
	if !changed {
		return nil
	}
	// A stopped sidecar stays stopped; the fresh file is picked up on the
	// next start.
	s.mu.Lock()
	running := s.child != nil
	s.mu.Unlock()
	if !running {
		return nil
	}
	log.Info().Msg("Sidecar config changed, restarting")
	s.stopLocked()
	return s.startLocked(ctx)
}

// Status reports the child's current state.
func (s *Supervisor) Status() models.ProxyStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := models.ProxyStatus{
		LastCrashAt: s.lastCrash,
		AutoRestart: s.autoRestart,
	}
	if s.child != nil {
		status.Running = true
		status.Port = s.child.port
		status.PID = s.child.pid
		status.Endpoint = fmt.Sprintf("http://127.0.0.1:%d", s.child.port)
		status.UptimeSeconds = int64(time.Since(s.child.startedAt).Seconds())
	}
	return status
}

// Endpoint returns the loopback base URL the gateway forwards to, or empty
// when the sidecar is not running.
func (s *Supervisor) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d", s.child.port)
}
