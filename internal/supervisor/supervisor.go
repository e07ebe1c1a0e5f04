package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"recio/internal/config"
	"recio/pkg/types"
)

// startReadyDeadline bounds how long a service may sit in STARTING before
// the coordinator gives up waiting on it.
const startReadyDeadline = 30 * time.Second

// managed is the runtime state of one service.
type managed struct {
	spec ServiceSpec

	mu           sync.Mutex
	cmd          *exec.Cmd
	status       types.ServiceStatus
	restartCount int
	startedAt    time.Time
	lastExit     string
	stopping     bool // deliberate stop in progress; exit is not a crash
}

// Supervisor launches and babysits the service stack.
type Supervisor struct {
	cfg     config.SupervisorConfig
	binPath string // the multi-service binary, re-invoked per service
	logger  *slog.Logger

	svcMu    sync.RWMutex // guards specs and services; Reload rewrites both
	specs    []ServiceSpec
	services map[string]*managed

	mu       sync.Mutex
	restarts []time.Time // master restart history for rate limiting
}

// New builds a supervisor over the loaded specs. binPath is the path of the
// running binary; each service is `binPath <service-name>`.
func New(cfg config.SupervisorConfig, binPath string, specs []ServiceSpec, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		binPath:  binPath,
		specs:    specs,
		services: make(map[string]*managed, len(specs)),
		logger:   logger.With("component", "coordinator"),
	}
	for _, spec := range specs {
		s.services[spec.Name] = &managed{spec: spec, status: types.ServiceStopped}
	}
	return s
}

func (s *Supervisor) service(name string) (*managed, bool) {
	s.svcMu.RLock()
	defer s.svcMu.RUnlock()
	m, ok := s.services[name]
	return m, ok
}

func (s *Supervisor) snapshotSpecs() []ServiceSpec {
	s.svcMu.RLock()
	defer s.svcMu.RUnlock()
	return append([]ServiceSpec(nil), s.specs...)
}

// Run starts every enabled service in dependency order, then blocks until
// the context is cancelled, at which point the whole stack is stopped in
// reverse order.
func (s *Supervisor) Run(ctx context.Context) error {
	ordered, err := StartOrder(s.snapshotSpecs())
	if err != nil {
		return err
	}

	s.startAll(ctx, ordered)

	<-ctx.Done()

	for i := len(ordered) - 1; i >= 0; i-- {
		if err := s.Stop(ordered[i].Name); err != nil {
			s.logger.Warn("stop failed", "service", ordered[i].Name, "error", err)
		}
	}
	return nil
}

// startAll launches every enabled autostart service in dependency order,
// blocking each launch until the service's dependencies are RUNNING. A
// dependency that goes FATAL or never confirms ready does not hold the stack
// hostage; the dependent starts anyway with a warning and the failure
// detector decides escalation.
func (s *Supervisor) startAll(ctx context.Context, ordered []ServiceSpec) {
	for _, spec := range ordered {
		if spec.Disabled || !spec.Autostart {
			continue
		}
		for _, dep := range spec.DependsOn {
			if d, ok := s.service(dep); ok && (d.spec.Disabled || !d.spec.Autostart) {
				continue
			}
			if err := s.awaitRunning(ctx, dep, startReadyDeadline); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("starting without ready dependency",
					"service", spec.Name, "dependency", dep, "error", err)
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := s.Start(ctx, spec.Name); err != nil {
			s.logger.Error("service failed to start", "service", spec.Name, "error", err)
		}
	}
}

// awaitRunning blocks until the named service reaches RUNNING. Returns early
// when it goes FATAL, the deadline passes, or the context ends.
func (s *Supervisor) awaitRunning(ctx context.Context, name string, deadline time.Duration) error {
	m, ok := s.service(name)
	if !ok {
		return fmt.Errorf("unknown service %q", name)
	}
	timeout := time.After(deadline)
	for {
		m.mu.Lock()
		status := m.status
		m.mu.Unlock()

		switch status {
		case types.ServiceRunning:
			return nil
		case types.ServiceFatal:
			return fmt.Errorf("service %s is FATAL", name)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("service %s not RUNNING after %s", name, deadline)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Start launches one service and begins supervising it.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	m, ok := s.service(name)
	if !ok {
		return fmt.Errorf("unknown service %q", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == types.ServiceRunning || m.status == types.ServiceStarting {
		return nil
	}
	m.stopping = false
	return s.launch(ctx, m)
}

// launch starts the child process. Caller holds m.mu.
func (s *Supervisor) launch(ctx context.Context, m *managed) error {
	logFile, err := s.openLog(m.spec)
	if err != nil {
		return err
	}

	var cmd *exec.Cmd
	if len(m.spec.Command) > 0 {
		cmd = exec.Command(m.spec.Command[0], m.spec.Command[1:]...)
	} else {
		cmd = exec.Command(s.binPath, m.spec.Name)
	}
	cmd.Dir = m.spec.Cwd
	if len(m.spec.Env) > 0 {
		cmd.Env = append(os.Environ(), m.spec.Env...)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group so a stop signal reaches the service's children
	// without touching the coordinator.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start %s: %w", m.spec.Name, err)
	}

	m.cmd = cmd
	m.status = types.ServiceStarting
	m.startedAt = time.Now()

	s.logger.Info("service started", "service", m.spec.Name, "pid", cmd.Process.Pid)

	go s.watch(ctx, m, logFile)
	go s.confirmReady(m)
	return nil
}

// confirmReady flips STARTING → RUNNING once the process is alive and its
// port (when declared) is bound.
func (s *Supervisor) confirmReady(m *managed) {
	deadline := time.Now().Add(startReadyDeadline)
	for time.Now().Before(deadline) {
		time.Sleep(500 * time.Millisecond)

		m.mu.Lock()
		if m.status != types.ServiceStarting || m.cmd == nil || m.cmd.Process == nil {
			m.mu.Unlock()
			return
		}
		pid := int32(m.cmd.Process.Pid)
		port := m.spec.Port
		m.mu.Unlock()

		alive, err := process.PidExists(pid)
		if err != nil || !alive {
			continue
		}
		if port != 0 && !portBound(pid, port) {
			continue
		}

		m.mu.Lock()
		if m.status == types.ServiceStarting {
			m.status = types.ServiceRunning
			s.logger.Info("service ready", "service", m.spec.Name, "pid", pid)
			go s.forgiveAfterStability(m, m.startedAt)
		}
		m.mu.Unlock()
		return
	}
	s.logger.Warn("service never confirmed ready", "service", m.spec.Name)
}

// forgiveAfterStability zeroes the restart counter once the service has
// stayed RUNNING through the stability window, so the status RPC stops
// reporting crash counts from a service that has since recovered. The exit
// path applies the same forgiveness; this one just does it without waiting
// for the next crash.
func (s *Supervisor) forgiveAfterStability(m *managed, started time.Time) {
	if s.cfg.StabilityWindow <= 0 {
		return
	}
	time.Sleep(s.cfg.StabilityWindow)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == types.ServiceRunning && m.startedAt.Equal(started) {
		m.restartCount = 0
	}
}

// watch waits for the process to exit and applies the restart policy.
func (s *Supervisor) watch(ctx context.Context, m *managed, logFile *os.File) {
	err := m.cmd.Wait()
	logFile.Close()

	m.mu.Lock()
	uptime := time.Since(m.startedAt)
	if err != nil {
		m.lastExit = err.Error()
	} else {
		m.lastExit = "exit 0"
	}

	if m.stopping || ctx.Err() != nil || !m.spec.Autorestart {
		m.status = types.ServiceStopped
		m.cmd = nil
		m.mu.Unlock()
		return
	}

	// A stretch of stable running forgives earlier crashes.
	if uptime >= s.cfg.StabilityWindow {
		m.restartCount = 0
	}
	m.restartCount++

	if m.restartCount > m.spec.StartRetries {
		m.status = types.ServiceFatal
		m.cmd = nil
		m.mu.Unlock()
		s.logger.Error("service fatal, retries exhausted",
			"service", m.spec.Name,
			"restarts", m.restartCount-1,
			"exit", m.lastExit,
		)
		return
	}

	m.status = types.ServiceRestarting
	restarts := m.restartCount
	m.mu.Unlock()

	s.logger.Warn("service crashed, restarting",
		"service", m.spec.Name,
		"restart", restarts,
		"uptime", uptime,
		"exit", m.lastExit,
	)

	// Linear restart delay keeps a crash-looping service from spinning.
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(restarts) * time.Second):
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		m.status = types.ServiceStopped
		return
	}
	if err := s.launch(ctx, m); err != nil {
		m.status = types.ServiceFatal
		s.logger.Error("relaunch failed", "service", m.spec.Name, "error", err)
	}
}

// Stop terminates one service: SIGTERM to the process group, SIGKILL after
// the grace period.
func (s *Supervisor) Stop(name string) error {
	m, ok := s.service(name)
	if !ok {
		return fmt.Errorf("unknown service %q", name)
	}

	m.mu.Lock()
	m.stopping = true
	cmd := m.cmd
	spec := m.spec
	m.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		m.mu.Lock()
		m.status = types.ServiceStopped
		m.mu.Unlock()
		return nil
	}

	pid := cmd.Process.Pid
	termTarget := pid
	if spec.StopAsGroup {
		termTarget = -pid
	}
	if err := syscall.Kill(termTarget, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal %s: %w", name, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			m.mu.Lock()
			gone := m.cmd == nil || m.status == types.ServiceStopped
			m.mu.Unlock()
			if gone {
				close(done)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.StopGrace):
		s.logger.Warn("stop grace expired, killing", "service", name)
		killTarget := pid
		if spec.KillAsGroup {
			killTarget = -pid
		}
		syscall.Kill(killTarget, syscall.SIGKILL)
	}
	return nil
}

// Restart bounces one service.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	if err := s.Stop(name); err != nil {
		return err
	}
	return s.Start(ctx, name)
}

// MasterRestart bounces the entire stack. Rate limited: at most
// maxPerHour invocations in any rolling hour, because a restart storm is
// worse than the failure it responds to.
func (s *Supervisor) MasterRestart(ctx context.Context, maxPerHour int) error {
	s.mu.Lock()
	cutoff := time.Now().Add(-time.Hour)
	recent := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	s.restarts = recent
	if len(s.restarts) >= maxPerHour {
		s.mu.Unlock()
		return fmt.Errorf("master restart rate limit reached (%d/hour)", maxPerHour)
	}
	s.restarts = append(s.restarts, time.Now())
	s.mu.Unlock()

	s.logger.Warn("master restart")

	ordered, err := StartOrder(s.snapshotSpecs())
	if err != nil {
		return err
	}
	for i := len(ordered) - 1; i >= 0; i-- {
		s.Stop(ordered[i].Name)
	}
	s.startAll(ctx, ordered)
	return nil
}

// Reload re-reads the service file and reconciles the managed set: services
// no longer listed are stopped and dropped, new services are added (and
// started when autostart), and changed specs take effect on the next launch.
func (s *Supervisor) Reload(ctx context.Context) error {
	specs, err := LoadSpecs(s.cfg.ServicesPath)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(specs))
	for _, spec := range specs {
		keep[spec.Name] = true
	}

	s.svcMu.RLock()
	var removed []string
	for name := range s.services {
		if !keep[name] {
			removed = append(removed, name)
		}
	}
	s.svcMu.RUnlock()

	// Stop before dropping so removed services do not keep running
	// unsupervised.
	for _, name := range removed {
		if err := s.Stop(name); err != nil {
			s.logger.Warn("stop removed service", "service", name, "error", err)
		}
	}

	var added []ServiceSpec
	s.svcMu.Lock()
	for _, name := range removed {
		delete(s.services, name)
	}
	for _, spec := range specs {
		if m, ok := s.services[spec.Name]; ok {
			m.mu.Lock()
			m.spec = spec
			m.mu.Unlock()
		} else {
			s.services[spec.Name] = &managed{spec: spec, status: types.ServiceStopped}
			added = append(added, spec)
		}
	}
	s.specs = specs
	s.svcMu.Unlock()

	s.logger.Info("service file reloaded",
		"services", len(specs), "added", len(added), "removed", len(removed))

	for _, spec := range added {
		if spec.Disabled || !spec.Autostart {
			continue
		}
		if err := s.Start(ctx, spec.Name); err != nil {
			s.logger.Error("service failed to start", "service", spec.Name, "error", err)
		}
	}
	return nil
}

// States snapshots every service for the status RPC.
func (s *Supervisor) States() []types.ServiceState {
	specs := s.snapshotSpecs()
	states := make([]types.ServiceState, 0, len(specs))
	for _, spec := range specs {
		m, ok := s.service(spec.Name)
		if !ok {
			continue
		}
		m.mu.Lock()
		st := types.ServiceState{
			Name:           spec.Name,
			Status:         m.status,
			RestartCount:   m.restartCount,
			LastExitReason: m.lastExit,
			StartedAt:      m.startedAt,
		}
		if m.cmd != nil && m.cmd.Process != nil {
			st.PID = m.cmd.Process.Pid
		}
		if m.status == types.ServiceRunning || m.status == types.ServiceStarting {
			st.UptimeSeconds = int64(time.Since(m.startedAt).Seconds())
		}
		m.mu.Unlock()
		states = append(states, st)
	}
	return states
}

// openLog opens the service's log file, rotating it when it exceeds the
// size cap. One previous generation is kept.
func (s *Supervisor) openLog(spec ServiceSpec) (*os.File, error) {
	path := spec.LogFile
	if path == "" {
		path = spec.Name + ".log"
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.cfg.LogDir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}

	if info, err := os.Stat(path); err == nil && info.Size() > s.cfg.MaxLogSize {
		if err := os.Rename(path, path+".1"); err != nil {
			s.logger.Warn("log rotation failed", "service", spec.Name, "error", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return f, nil
}
