package mdns

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
)

const (
	// ServiceType is the mDNS service type the controller advertises so
	// operator tooling can discover it on the local network without a
	// hardcoded hostname.
	ServiceType = "_autophone._tcp"
	Domain      = "local."
)

// AnnouncerConfig holds coordinator announcer configuration.
type AnnouncerConfig struct {
	Instance   string // e.g. "autophone-hostname"
	Port       int    // command server TCP port
	Version    string
	InstanceID string // unique ID for this controller instance
}

// Announcer advertises the controller's command server via mDNS so
// operator tools can find it without being told an IP and port.
type Announcer struct {
	mu     sync.Mutex
	server *zeroconf.Server
	cfg    AnnouncerConfig
}

// NewAnnouncer creates a new controller mDNS announcer.
func NewAnnouncer(cfg AnnouncerConfig) *Announcer {
	return &Announcer{cfg: cfg}
}

// Start begins advertising the command server via mDNS. Failure here is
// not fatal to the controller: mDNS is a convenience for discovery, not
// a dependency of any operation.
func (a *Announcer) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return fmt.Errorf("announcer already started")
	}

	txt := a.buildTXTRecords()

	log.Debug().
		Str("instance", a.cfg.Instance).
		Int("port", a.cfg.Port).
		Strs("txt", txt).
		Msg("starting mDNS announcer")

	server, err := zeroconf.Register(
		a.cfg.Instance,
		ServiceType,
		Domain,
		a.cfg.Port,
		txt,
		nil, // all interfaces
	)
	if err != nil {
		return fmt.Errorf("registering mDNS service: %w", err)
	}

	a.server = server

	log.Info().
		Str("instance", a.cfg.Instance).
		Str("service", ServiceType).
		Int("port", a.cfg.Port).
		Msg("mDNS announcer started")

	return nil
}

func (a *Announcer) buildTXTRecords() []string {
	txt := []string{"port=" + strconv.Itoa(a.cfg.Port)}
	if a.cfg.Version != "" {
		txt = append(txt, "version="+a.cfg.Version)
	}
	if a.cfg.InstanceID != "" {
		txt = append(txt, "instance_id="+a.cfg.InstanceID)
	}
	return txt
}

// Stop stops advertising the command server.
func (a *Announcer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		log.Info().Str("instance", a.cfg.Instance).Msg("mDNS announcer stopped")
	}
}

// ParseTXTRecords parses TXT records back into a map, used by operator
// tooling that discovers the controller over mDNS.
func ParseTXTRecords(txt []string) map[string]string {
	result := make(map[string]string)
	for _, record := range txt {
		parts := strings.SplitN(record, "=", 2)
		if len(parts) == 2 {
			result[parts[0]] = parts[1]
		}
	}
	return result
}
