package discovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultMulticastGroup is the well-known LocalSend discovery group.
	DefaultMulticastGroup = "224.0.0.115"
	// DefaultMulticastPort is the well-known LocalSend discovery port.
	DefaultMulticastPort = 53317
	// DefaultAnnounceInterval is the baseline peer freshness period.
	DefaultAnnounceInterval = 5 * time.Second
	// DefaultProbeTimeout bounds each active HTTP probe.
	DefaultProbeTimeout = 2 * time.Second
	// DefaultMDNSService is the supplementary mDNS service name.
	DefaultMDNSService = "_peersend._tcp"
	// DefaultMDNSDomain is the mDNS domain.
	DefaultMDNSDomain = "local."
	// DefaultMDNSRefreshInterval is the background mDNS browse interval.
	DefaultMDNSRefreshInterval = 10 * time.Second
	// DefaultMDNSScanTimeout bounds each mDNS browse window.
	DefaultMDNSScanTimeout = 3 * time.Second

	maxDatagramSize = 2048
)

type writeToFunc func(b []byte, addr net.Addr) (int, error)
type probeURLFunc func(ip string) string
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// Config controls all discovery producers sharing one registry.
type Config struct {
	SelfID       string
	DeviceName   string
	DeviceType   string
	Version      string
	Fingerprint  string
	Port         int
	UsesPassword bool

	Group            string
	MulticastPort    int
	AnnounceInterval time.Duration
	ProbeTimeout     time.Duration
	MDNSService      string
	MDNSDomain       string
	MDNSRefresh      time.Duration
	MDNSScanTimeout  time.Duration

	writeTo    writeToFunc
	probeURL   probeURLFunc
	browseFn   browseFunc
	registerFn registerFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Group == "" {
		out.Group = DefaultMulticastGroup
	}
	if out.MulticastPort == 0 {
		out.MulticastPort = DefaultMulticastPort
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultProbeTimeout
	}
	if out.MDNSService == "" {
		out.MDNSService = DefaultMDNSService
	}
	if out.MDNSDomain == "" {
		out.MDNSDomain = DefaultMDNSDomain
	}
	if out.MDNSRefresh <= 0 {
		out.MDNSRefresh = DefaultMDNSRefreshInterval
	}
	if out.MDNSScanTimeout <= 0 {
		out.MDNSScanTimeout = DefaultMDNSScanTimeout
	}
	if out.DeviceType == "" {
		out.DeviceType = "desktop"
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SelfID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.Port <= 0 {
		return errors.New("API port must be > 0")
	}
	return nil
}
