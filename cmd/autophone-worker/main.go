// Command autophone-worker is a minimal stand-in for the real
// device-test-runner subprocess: it reads newline-delimited JSON
// commands from stdin (jobs and WorkerCommand verbs) and writes
// newline-delimited JSON StatusMessage records to stdout, tagged with
// its own phoneid. A real worker would drive an attached Android device
// through these hooks; this one only proves the wire protocol.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mozilla/autophoned/internal/model"
)

type wireCommand struct {
	Type    string     `json:"type"`
	Job     *model.Job `json:"job,omitempty"`
	Command string     `json:"command,omitempty"`
	Args    string     `json:"args,omitempty"`
}

func main() {
	phoneID := flag.String("phoneid", "", "phone identifier")
	serial := flag.String("serial", "", "device serial number")
	flag.Parse()

	if *phoneID == "" {
		fmt.Fprintln(os.Stderr, "autophone-worker: --phoneid is required")
		os.Exit(1)
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	emit := func(status, msg string) {
		rec := model.StatusMessage{
			PhoneID:   *phoneID,
			Status:    status,
			Msg:       msg,
			Timestamp: time.Now(),
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return
		}
		out.Write(data)
		out.WriteByte('\n')
		out.Flush()
	}

	emit("started", fmt.Sprintf("serial=%s", *serial))

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var wc wireCommand
		if err := json.Unmarshal(scanner.Bytes(), &wc); err != nil {
			emit("error", fmt.Sprintf("unparseable command: %v", err))
			continue
		}
		handle(wc, emit)
	}

	emit("stopped", "")
}

func handle(wc wireCommand, emit func(status, msg string)) {
	switch wc.Type {
	case "job":
		if wc.Job == nil {
			emit("error", "job command with no job payload")
			return
		}
		emit("job_received", wc.Job.BuildURL)
		emit("job_completed", wc.Job.BuildURL)
	case "command":
		cmd, ok := model.ParseWorkerCommand(wc.Command)
		if !ok {
			emit("error", fmt.Sprintf("unknown command %q", wc.Command))
			return
		}
		switch cmd {
		case model.CmdPing:
			emit("pong", wc.Args)
		case model.CmdEnable:
			emit("enabled", wc.Args)
		case model.CmdDisable:
			emit("disabled", wc.Args)
		case model.CmdDebug:
			emit("debug", wc.Args)
		case model.CmdReboot:
			emit("rebooting", wc.Args)
		}
	default:
		emit("error", fmt.Sprintf("unknown wire command type %q", wc.Type))
	}
}
