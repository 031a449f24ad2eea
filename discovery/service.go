package discovery

import (
	"fmt"
	"log"
)

// Service runs every discovery producer against one shared registry: the
// multicast listener and announcer, plus supplementary mDNS broadcast and
// browse. The active prober is exposed for on-demand scans.
type Service struct {
	Registry *Registry
	Prober   *Prober

	cfg         Config
	announcer   *Announcer
	listener    *Listener
	broadcaster *Broadcaster
	browser     *Browser
}

// NewService builds all producers. Nothing runs until Start.
func NewService(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	registry := NewRegistry()

	listener, err := NewListener(cfg, registry)
	if err != nil {
		return nil, fmt.Errorf("create multicast listener: %w", err)
	}

	announcer, err := NewAnnouncer(cfg)
	if err != nil {
		listener.Stop()
		return nil, fmt.Errorf("create multicast announcer: %w", err)
	}

	prober, err := NewProber(cfg, registry)
	if err != nil {
		listener.Stop()
		announcer.Stop()
		return nil, fmt.Errorf("create prober: %w", err)
	}

	browser, err := NewBrowser(cfg, registry)
	if err != nil {
		listener.Stop()
		announcer.Stop()
		return nil, fmt.Errorf("create mDNS browser: %w", err)
	}

	return &Service{
		Registry:  registry,
		Prober:    prober,
		cfg:       cfg,
		announcer: announcer,
		listener:  listener,
		browser:   browser,
	}, nil
}

// Start launches the background producers. mDNS broadcast failure is
// logged and tolerated: the multicast path alone keeps discovery alive.
func (s *Service) Start() {
	s.listener.Start()
	s.announcer.Start()
	s.browser.Start()

	broadcaster, err := StartBroadcaster(s.cfg)
	if err != nil {
		log.Printf("discovery: mDNS broadcast unavailable: %v", err)
		return
	}
	s.broadcaster = broadcaster
}

// Stop halts every producer and waits for their loops to exit.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.browser.Stop()
	s.announcer.Stop()
	s.listener.Stop()
	s.broadcaster.Stop()
}
