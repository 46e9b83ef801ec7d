// Package worker manages the per-phone subprocess: starting it,
// forwarding jobs and commands to its stdin, and reading its
// newline-delimited JSON status stream off stdout into the shared
// inbox.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mozilla/autophoned/internal/model"
)

// wireCommand is one line of the command stream sent to a subprocess's
// stdin: either a Job to run or a WorkerCommand verb to act on.
type wireCommand struct {
	Type    string     `json:"type"` // "job" or "command"
	Job     *model.Job `json:"job,omitempty"`
	Command string     `json:"command,omitempty"`
	Args    string     `json:"args,omitempty"`
}

// Process owns one running worker subprocess and the goroutines that
// pump jobs/commands in and status messages out.
type Process struct {
	phoneID string
	cmd     *exec.Cmd
	stdin   io.WriteCloser

	inbox chan<- model.StatusMessage
	jobs  <-chan model.Job

	mu      sync.Mutex
	alive   bool
	exited  chan struct{}
	encoder *json.Encoder
}

// Start launches binPath as cfg's subprocess, wiring its stdout into
// inbox and draining jobs from jobs onto its stdin. logPath receives the
// subprocess's stderr. inbox is normally the supervisor's single shared
// status channel (every worker subprocess's StatusMessage records are
// tagged with phoneid and routed through one multi-producer queue); jobs
// is normally the registry.Worker's own Jobs channel. The caller must
// keep reading/feeding both for the Process's lifetime.
func Start(ctx context.Context, binPath string, cfg model.PhoneConfig, logPath string, inbox chan<- model.StatusMessage, jobs <-chan model.Job) (*Process, error) {
	cmd := exec.CommandContext(ctx, binPath,
		"--phoneid", cfg.PhoneID,
		"--serial", cfg.Serial,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}

	if logPath != "" {
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening worker log %s: %w", logPath, err)
		}
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker subprocess for %s: %w", cfg.PhoneID, err)
	}

	p := &Process{
		phoneID: cfg.PhoneID,
		cmd:     cmd,
		stdin:   stdin,
		inbox:   inbox,
		jobs:    jobs,
		alive:   true,
		exited:  make(chan struct{}),
		encoder: json.NewEncoder(stdin),
	}

	go p.readLoop(stdout)
	go p.jobLoop()
	go p.waitLoop()

	return p, nil
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()
	close(p.exited)
	if err != nil {
		log.Warn().Err(err).Str("phoneid", p.phoneID).Msg("worker subprocess exited")
	} else {
		log.Info().Str("phoneid", p.phoneID).Msg("worker subprocess exited cleanly")
	}
}

func (p *Process) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg model.StatusMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Warn().Err(err).Str("phoneid", p.phoneID).Msg("dropping unparseable status line")
			continue
		}
		if msg.PhoneID == "" {
			msg.PhoneID = p.phoneID
		}
		select {
		case p.inbox <- msg:
		default:
			log.Warn().Str("phoneid", p.phoneID).Msg("dropping status message: inbox full")
		}
	}
}

func (p *Process) jobLoop() {
	for job := range p.jobs {
		j := job
		if err := p.send(wireCommand{Type: "job", Job: &j}); err != nil {
			log.Warn().Err(err).Str("phoneid", p.phoneID).Msg("failed to deliver job to worker")
			return
		}
	}
}

// SendCommand writes a WorkerCommand verb to the subprocess's stdin.
func (p *Process) SendCommand(cmd model.WorkerCommand, args string) error {
	return p.send(wireCommand{Type: "command", Command: cmd.String(), Args: args})
}

func (p *Process) send(wc wireCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive {
		return fmt.Errorf("worker %s is not running", p.phoneID)
	}
	return p.encoder.Encode(wc)
}

// Alive reports whether the subprocess is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// Stop sends the subprocess a reboot/disable-equivalent shutdown signal
// then kills it if it hasn't exited within the grace period.
func (p *Process) Stop(grace time.Duration) error {
	_ = p.stdin.Close()
	select {
	case <-p.exited:
		return nil
	case <-time.After(grace):
		if p.cmd.Process != nil {
			return p.cmd.Process.Kill()
		}
		return nil
	}
}
