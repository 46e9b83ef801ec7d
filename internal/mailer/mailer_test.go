package mailer

import (
	"fmt"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfig_EmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig(\"\") error = %v", err)
	}
	if cfg.Host != "" {
		t.Errorf("cfg.Host = %q, want empty", cfg.Host)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig("/no/such/file.yaml"); err == nil {
		t.Error("expected error for missing mail config file")
	}
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "email.yaml")
	content := "host: smtp.example.invalid\nport: 587\nfrom: autophone@example.invalid\nto:\n  - oncall@example.invalid\nsubject_prefix: \"[farm] \"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Host != "smtp.example.invalid" || cfg.Port != 587 || len(cfg.To) != 1 {
		t.Errorf("cfg = %+v, unexpected", cfg)
	}
}

func TestNew_NoHostReturnsNoop(t *testing.T) {
	m := New(Config{}, nil)
	if err := m.Send("subject", "body"); err != nil {
		t.Errorf("noopMailer.Send() error = %v, want nil", err)
	}
}

func TestSMTPMailer_Send(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	m := &SMTPMailer{
		cfg: Config{Host: "smtp.example.invalid", Port: 25, From: "autophone@example.invalid", To: []string{"oncall@example.invalid"}},
		sendFn: func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
			return nil
		},
	}

	if err := m.Send("phone1 crashed", "too many crashes, disabling"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotAddr != "smtp.example.invalid:25" {
		t.Errorf("gotAddr = %q", gotAddr)
	}
	if gotFrom != "autophone@example.invalid" || len(gotTo) != 1 {
		t.Errorf("gotFrom/gotTo unexpected: %q %v", gotFrom, gotTo)
	}
	if !strings.Contains(string(gotMsg), "phone1 crashed") {
		t.Errorf("message body missing subject: %s", gotMsg)
	}
}

func TestSMTPMailer_Send_NoRecipients(t *testing.T) {
	m := &SMTPMailer{cfg: Config{Host: "smtp.example.invalid"}}
	if err := m.Send("x", "y"); err == nil {
		t.Error("expected error with no recipients configured")
	}
}

func TestSMTPMailer_Send_PropagatesError(t *testing.T) {
	wantErr := fmt.Errorf("connection refused")
	m := &SMTPMailer{
		cfg: Config{Host: "smtp.example.invalid", To: []string{"a@example.invalid"}},
		sendFn: func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			return wantErr
		},
	}
	if err := m.Send("x", "y"); err == nil {
		t.Error("expected Send() to propagate sendFn error")
	}
}
