// Package mailer is the concrete SMTP-backed implementation of the
// best-effort operator-notification collaborator: liveness scans send
// a subject/body naming the phone whenever a worker is restarted, and a
// send failure is logged and otherwise ignored.
package mailer

import (
	"fmt"
	"net/smtp"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/mozilla/autophoned/internal/resilience"
)

// Mailer sends an operator notification. Implementations must treat
// failure as non-fatal to their caller.
type Mailer interface {
	Send(subject, body string) error
}

// Config holds SMTP settings loaded from the --emailcfg YAML file.
type Config struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
	Subject  string   `mapstructure:"subject_prefix"`
}

// LoadConfig reads an SMTP config file. A missing path is not an error:
// it yields a zero-value Config, and New returns a no-op Mailer for it.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("reading mail config %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("reading mail config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshaling mail config %s: %w", path, err)
	}
	return cfg, nil
}

// SMTPMailer sends notifications over SMTP, wrapped in a circuit
// breaker so a down mail relay cannot stall liveness scans.
type SMTPMailer struct {
	cfg     Config
	breaker *resilience.CircuitManager
	sendFn  func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New constructs an SMTPMailer. If cfg.Host is empty (no --emailcfg was
// given), it returns a noopMailer instead, since there is nothing to
// dial.
func New(cfg Config, breaker *resilience.CircuitManager) Mailer {
	if cfg.Host == "" {
		return noopMailer{}
	}
	return &SMTPMailer{cfg: cfg, breaker: breaker, sendFn: smtp.SendMail}
}

// Send delivers subject/body to every configured recipient. Failure is
// returned to the caller, who per the liveness-scan contract logs it
// and moves on rather than treating it as fatal.
func (m *SMTPMailer) Send(subject, body string) error {
	if len(m.cfg.To) == 0 {
		return fmt.Errorf("mailer: no recipients configured")
	}

	prefix := m.cfg.Subject
	if prefix == "" {
		prefix = "[autophone] "
	}
	msg := fmt.Appendf(nil, "From: %s\r\nTo: %s\r\nSubject: %s%s\r\n\r\n%s\r\n",
		m.cfg.From, joinAddrs(m.cfg.To), prefix, subject, body)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	send := func() (any, error) {
		var auth smtp.Auth
		if m.cfg.Username != "" {
			auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		}
		return nil, m.sendFn(addr, auth, m.cfg.From, m.cfg.To, msg)
	}

	if m.breaker == nil {
		_, err := send()
		return err
	}
	_, err := m.breaker.Execute("mailer", send)
	return err
}

func joinAddrs(addrs []string) string {
	out := addrs[0]
	for _, a := range addrs[1:] {
		out += ", " + a
	}
	return out
}

type noopMailer struct{}

func (noopMailer) Send(subject, body string) error {
	log.Debug().Str("subject", subject).Msg("mailer: no --emailcfg configured, dropping notification")
	return nil
}
