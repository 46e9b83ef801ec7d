// Package supervisor wires already-constructed collaborators together and
// owns the controller's single inbox loop: start the roster's worker
// subprocesses, the mDNS announcer, the Pulse Monitor, and the Command
// Server in that order, then alternate liveness scans with a bounded
// poll of the shared worker status channel until told to stop.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mozilla/autophoned/internal/cmdserver"
	"github.com/mozilla/autophoned/internal/dispatcher"
	mdns "github.com/mozilla/autophoned/internal/discovery"
	"github.com/mozilla/autophoned/internal/mailer"
	"github.com/mozilla/autophoned/internal/metrics"
	"github.com/mozilla/autophoned/internal/model"
	"github.com/mozilla/autophoned/internal/pulse"
	"github.com/mozilla/autophoned/internal/registry"
	"github.com/mozilla/autophoned/internal/worker"
)

// Config holds the knobs the Supervisor needs beyond what its
// collaborators already carry in their own Config types.
type Config struct {
	RosterPath    string
	WorkerBinPath string
	WorkerLogDir  string
	NoReboot      bool
	PollInterval  time.Duration // shared status channel poll timeout, default 5s
	StopGrace     time.Duration // grace period given to a worker subprocess on Stop
}

// DefaultConfig returns the inbox-loop poll interval and subprocess
// stop grace period used when Config leaves them zero.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		StopGrace:    5 * time.Second,
	}
}

// Supervisor owns the controller's collaborators and the inbox loop
// that ties them together.
type Supervisor struct {
	cfg        Config
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	mailer     mailer.Mailer
	metrics    *metrics.Metrics
	announcer  *mdns.Announcer
	pulse      *pulse.Monitor
	cmdServer  *cmdserver.Server

	statusInbox chan model.StatusMessage
	stop        chan struct{}
	stopOnce    sync.Once

	// startProc launches a worker subprocess; defaults to worker.Start
	// but is swappable in tests so liveness-scan decisions can be
	// exercised without spawning a real process.
	startProc func(ctx context.Context, binPath string, cfg model.PhoneConfig, logPath string, inbox chan<- model.StatusMessage, jobs <-chan model.Job) (registry.Commander, error)
}

// rosterPersister adapts Registry.Persist(path) to the single-argument
// Persist() the command server and inbox loop both call.
type rosterPersister struct {
	reg  *registry.Registry
	path string
}

func (p rosterPersister) Persist() error {
	if p.path == "" {
		return nil
	}
	return p.reg.Persist(p.path)
}

// New wires a Supervisor out of already-constructed collaborators.
// pulseMonitor and announcer may be nil (Pulse disabled / mDNS
// best-effort failed at construction); cmdAddr is the Command Server's
// listen address.
func New(cfg Config, reg *registry.Registry, disp *dispatcher.Dispatcher, mailr mailer.Mailer, m *metrics.Metrics, announcer *mdns.Announcer, pulseMonitor *pulse.Monitor, cmdAddr string) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}

	s := &Supervisor{
		cfg:         cfg,
		registry:    reg,
		dispatcher:  disp,
		mailer:      mailr,
		metrics:     m,
		announcer:   announcer,
		pulse:       pulseMonitor,
		statusInbox: make(chan model.StatusMessage, 256),
		stop:        make(chan struct{}),
	}
	s.startProc = func(ctx context.Context, binPath string, pcfg model.PhoneConfig, logPath string, inbox chan<- model.StatusMessage, jobs <-chan model.Job) (registry.Commander, error) {
		return worker.Start(ctx, binPath, pcfg, logPath, inbox, jobs)
	}

	persister := rosterPersister{reg: reg, path: cfg.RosterPath}
	s.cmdServer = cmdserver.New(cmdAddr, reg, disp, persister, s.Stop)
	return s
}

// Run starts every collaborator in dependency order, starts a
// subprocess for every phone already in the registry (loaded from the
// roster before New was called), then blocks in the inbox loop until
// ctx is canceled or Stop is called. Shutdown tears collaborators down
// in reverse order.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, w := range s.registry.List() {
		if err := s.startWorker(ctx, w.Config, w.State); err != nil {
			log.Warn().Err(err).Str("phoneid", w.Config.PhoneID).Msg("failed to start worker subprocess")
			continue
		}
		if !s.cfg.NoReboot {
			if reloaded, ok := s.registry.Get(w.Config.PhoneID); ok && reloaded.Proc != nil {
				if err := reloaded.Proc.SendCommand(model.CmdReboot, ""); err != nil {
					log.Warn().Err(err).Str("phoneid", w.Config.PhoneID).Msg("failed to send startup reboot command")
				}
			}
		}
	}

	if s.announcer != nil {
		if err := s.announcer.Start(); err != nil {
			log.Warn().Err(err).Msg("mDNS announcer failed to start, continuing without it")
		}
	}

	if s.pulse != nil {
		go func() {
			if err := s.pulse.Run(ctx); err != nil {
				log.Warn().Err(err).Msg("pulse monitor stopped")
			}
		}()
	}

	go func() {
		if err := s.cmdServer.Start(); err != nil {
			log.Error().Err(err).Msg("command server stopped")
		}
	}()

	s.inboxLoop(ctx)

	s.cmdServer.Stop()
	if s.pulse != nil {
		s.pulse.Stop()
	}
	if s.announcer != nil {
		s.announcer.Stop()
	}
	for _, w := range s.registry.List() {
		if w.Proc != nil {
			_ = w.Proc.Stop(s.cfg.StopGrace)
		}
	}
	if s.cfg.RosterPath != "" {
		if err := s.registry.Persist(s.cfg.RosterPath); err != nil {
			log.Warn().Err(err).Msg("failed to persist roster on shutdown")
		}
	}
	return nil
}

// Stop requests a clean shutdown; safe to call more than once or
// concurrently with Run.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// inboxLoop is the Supervisor's single-threaded main loop: every
// iteration runs a liveness scan, then polls the shared status channel
// with a bounded timeout so the loop keeps checking for liveness and
// shutdown even when no worker has reported in.
func (s *Supervisor) inboxLoop(ctx context.Context) {
	for {
		s.livenessScan(ctx)

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case msg := <-s.statusInbox:
			s.registry.RecordStatus(msg.PhoneID, msg.Status, msg.Timestamp)
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// livenessScan restarts every worker whose subprocess is not running:
// stop the dead handle, record a crash, restart in DISABLED state if the
// crash counter has tripped, otherwise DISCONNECTED, then notify the
// operator best-effort. A worker whose restart fails is not notified.
func (s *Supervisor) livenessScan(ctx context.Context) {
	now := time.Now()
	for _, w := range s.registry.List() {
		if w.Proc != nil && w.Proc.Alive() {
			continue
		}

		if w.Proc != nil {
			_ = w.Proc.Stop(s.cfg.StopGrace)
		}

		w.Crashes.Add(now)
		tooMany := w.Crashes.TooMany(now)

		restartState := model.WorkerStateDisconnected
		subject := fmt.Sprintf("%s disconnected", w.Config.PhoneID)
		if tooMany {
			restartState = model.WorkerStateDisabled
			subject = fmt.Sprintf("%s disabled: too many crashes", w.Config.PhoneID)
		}

		if s.metrics != nil {
			s.metrics.RecordCrash(w.Config.PhoneID)
		}

		if err := s.startWorker(ctx, w.Config, restartState); err != nil {
			log.Warn().Err(err).Str("phoneid", w.Config.PhoneID).Msg("failed to restart worker subprocess")
			continue
		}

		body := fmt.Sprintf("phone %s (ip=%s) restarted in %s state after %d crash(es)",
			w.Config.PhoneID, w.Config.IP, restartState, w.Crashes.Count(now))
		if s.mailer != nil {
			if err := s.mailer.Send(subject, body); err != nil {
				log.Warn().Err(err).Str("phoneid", w.Config.PhoneID).Msg("crash notification failed")
			}
		}
	}
}

// startWorker launches a fresh subprocess for cfg and wires it into the
// registry's existing Worker handle (and its still-live Jobs channel,
// so jobs queued during a restart are not lost).
func (s *Supervisor) startWorker(ctx context.Context, cfg model.PhoneConfig, initialState model.WorkerState) error {
	w, ok := s.registry.Get(cfg.PhoneID)
	if !ok {
		w = s.registry.Register(cfg)
	}

	logPath := ""
	if s.cfg.WorkerLogDir != "" {
		logPath = fmt.Sprintf("%s/%s.log", s.cfg.WorkerLogDir, cfg.PhoneID)
	}

	proc, err := s.startProc(ctx, s.cfg.WorkerBinPath, cfg, logPath, s.statusInbox, w.Jobs)
	if err != nil {
		return fmt.Errorf("starting worker for %s: %w", cfg.PhoneID, err)
	}

	w.Proc = proc
	_ = s.registry.SetState(cfg.PhoneID, initialState)
	return nil
}
