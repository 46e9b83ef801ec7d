// Package cmdserver implements the operator-facing line-oriented TCP
// command channel: greet on connect, read one command per line, reply
// synchronously under a global lock.
package cmdserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mozilla/autophoned/internal/dispatcher"
	"github.com/mozilla/autophoned/internal/model"
	"github.com/mozilla/autophoned/internal/registry"
)

const greeting = "Hello? Yes this is Autophone.\n"

// RosterPersister persists the registry's current PhoneConfig set.
type RosterPersister interface {
	Persist() error
}

// Server is the line-oriented TCP command server.
type Server struct {
	addr       string
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	roster     RosterPersister

	onStop func()

	cmdLock sync.Mutex

	mu       sync.Mutex
	listener net.Listener
	stopping bool
}

// New constructs a command Server. onStop is invoked (once) when the
// `stop` verb is received, to trigger supervisor shutdown.
func New(addr string, reg *registry.Registry, disp *dispatcher.Dispatcher, roster RosterPersister, onStop func()) *Server {
	return &Server{
		addr:       addr,
		registry:   reg,
		dispatcher: disp,
		roster:     roster,
		onStop:     onStop,
	}
}

// Start binds the listener and runs the accept loop until Stop is
// called, one goroutine per connection.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("cmdserver: listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	log.Info().Str("addr", lis.Addr().String()).Msg("command server listening")

	for {
		conn, err := lis.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if stopping {
				return nil
			}
			log.Warn().Err(err).Msg("cmdserver: accept failed")
			continue
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener, which unblocks the accept loop.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopping = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if _, err := conn.Write([]byte(greeting)); err != nil {
		return
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		verb, params, _ := strings.Cut(line, " ")
		verb = strings.ToLower(verb)

		if verb == "quit" || verb == "exit" {
			return
		}

		reply := s.dispatch(verb, strings.TrimSpace(params))
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(verb, params string) string {
	s.cmdLock.Lock()
	defer s.cmdLock.Unlock()

	switch verb {
	case "stop":
		if s.onStop != nil {
			go s.onStop()
		}
		return "ok"
	case "log":
		log.Info().Str("source", "operator").Msg(params)
		return "ok"
	case "triggerjobs":
		return s.cmdTriggerJobs(params)
	case "register":
		return s.cmdRegister(params)
	case "status":
		return s.cmdStatus()
	case "disable", "enable", "debug", "ping":
		return s.cmdWorkerVerb(verb, params)
	default:
		return fmt.Sprintf("Unknown command %q", verb)
	}
}

func (s *Server) cmdTriggerJobs(buildURL string) string {
	if buildURL == "" {
		return "error: triggerjobs requires a build url"
	}
	go func() {
		if err := s.dispatcherTrigger(buildURL); err != nil {
			log.Warn().Err(err).Str("url", buildURL).Msg("triggerjobs failed")
		}
	}()
	return "ok"
}

// dispatcherTrigger runs the triggerjobs verb fire-and-forget against a
// background context, matching the `ok`-before-ack asynchrony the whole
// command protocol already has.
func (s *Server) dispatcherTrigger(buildURL string) error {
	return s.dispatcher.TriggerFromURL(context.Background(), buildURL)
}

// cmdRegister derives phoneid from the device's MAC address and
// hardware type, the same way a phone's own registration agent
// addresses it in every other command: colons in the MAC are not
// valid in a phoneid, so `name=AA:BB:CC:DD:EE:FF&hardware=flame`
// becomes phoneid `AA_BB_CC_DD_EE_FF_flame`.
func (s *Server) cmdRegister(raw string) string {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}

	name := values.Get("name")
	hardware := values.Get("hardware")
	if name == "" || hardware == "" {
		return "error: register requires name and hardware fields"
	}

	cfg := model.PhoneConfig{
		PhoneID:     strings.ReplaceAll(name, ":", "_") + "_" + hardware,
		Serial:      strings.ToUpper(values.Get("pool")),
		MachineType: hardware,
		IP:          values.Get("ipaddr"),
		OSVer:       values.Get("os"),
		Debug:       3,
	}
	if port := values.Get("cmdport"); port != "" {
		fmt.Sscanf(port, "%d", &cfg.SUTCmdPort)
	}

	s.registry.Register(cfg)
	if s.roster != nil {
		_ = s.roster.Persist()
	}
	return "ok"
}

// cmdStatus reports, per worker: debug level, the current build's
// timestamp if one has been dispatched, how long ago the last status
// message arrived, how long the worker has held its current status,
// and the previous status plus how long ago it ended.
func (s *Server) cmdStatus() string {
	var b strings.Builder
	now := time.Now()
	for _, w := range s.registry.List() {
		age := "never"
		if !w.LastStatusAt.IsZero() {
			age = now.Sub(w.LastStatusAt).Round(time.Second).String()
		}

		currentBuild := "none"
		if !w.CurrentBuildAt.IsZero() {
			currentBuild = w.CurrentBuildAt.Format(time.RFC3339)
		}

		held := "n/a"
		if !w.FirstStatusOfTypeAt.IsZero() {
			held = now.Sub(w.FirstStatusOfTypeAt).Round(time.Second).String()
		}

		prevStatus, prevAge := "none", "n/a"
		if w.PrevStatus != "" {
			prevStatus = w.PrevStatus
			prevAge = now.Sub(w.PrevStatusAt).Round(time.Second).String()
		}

		fmt.Fprintf(&b, "%s\tip=%s\tstate=%s\tdebug=%d\tcurrent_build=%s\tlast_status=%s\tage=%s\theld=%s\tprev_status=%s\tprev_age=%s\n",
			w.Config.PhoneID, w.Config.IP, w.State, w.Config.Debug, currentBuild, w.LastStatus, age, held, prevStatus, prevAge)
	}
	if b.Len() == 0 {
		return "no workers registered"
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (s *Server) cmdWorkerVerb(verb, params string) string {
	phoneIDOrSerial, args, _ := strings.Cut(params, " ")
	if phoneIDOrSerial == "" {
		return fmt.Sprintf("error: %s requires a phoneid or serial", verb)
	}

	w, ok := s.registry.Find(phoneIDOrSerial)
	if !ok {
		return fmt.Sprintf("error: unknown worker %q", phoneIDOrSerial)
	}

	cmd, ok := model.ParseWorkerCommand(verb)
	if !ok {
		return fmt.Sprintf("Unknown command %q", verb)
	}

	switch cmd {
	case model.CmdEnable:
		_ = s.registry.SetState(w.Config.PhoneID, model.WorkerStateRunning)
	case model.CmdDisable:
		_ = s.registry.SetState(w.Config.PhoneID, model.WorkerStateDisabled)
	}

	if w.Proc != nil {
		if err := w.Proc.SendCommand(cmd, args); err != nil {
			log.Warn().Err(err).Str("phoneid", w.Config.PhoneID).Msg("failed to deliver worker command")
		}
	}

	if s.roster != nil {
		_ = s.roster.Persist()
	}
	return "ok"
}
