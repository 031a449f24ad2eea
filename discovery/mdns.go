package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"peersend/dto"
)

// Broadcaster advertises this device over mDNS as a supplement to the
// multicast announcer, for networks where multicast UDP is filtered but
// mDNS relaying works.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the mDNS service and starts advertising.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	txt := []string{
		"device_id=" + cfg.SelfID,
		"device_type=" + cfg.DeviceType,
		"version=" + cfg.Version,
		"fingerprint=" + cfg.Fingerprint,
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.MDNSService, cfg.MDNSDomain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS advertising.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Browser periodically browses the mDNS service and inserts responders
// into the shared registry.
type Browser struct {
	cfg      Config
	registry *Registry
	browse   browseFunc

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBrowser creates a browser with config defaults applied.
func NewBrowser(config Config, registry *Registry) (*Browser, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	return &Browser{
		cfg:      cfg,
		registry: registry,
		browse:   browse,
	}, nil
}

// Start begins periodic background browsing.
func (b *Browser) Start() {
	b.startOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(context.Background())
		b.wg.Add(1)
		go b.loop()
	})
}

// Stop halts browsing and waits for the loop to exit.
func (b *Browser) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
	})
}

func (b *Browser) loop() {
	defer b.wg.Done()

	// Prime the registry immediately.
	_ = b.scanOnce()

	ticker := time.NewTicker(b.cfg.MDNSRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = b.scanOnce()
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Browser) scanOnce() error {
	scanCtx, cancel := context.WithTimeout(b.ctx, b.cfg.MDNSScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				device, ok := deviceFromEntry(entry, b.cfg.SelfID)
				if !ok {
					continue
				}
				b.registry.Add(device)
			}
		}
	}()

	if err := b.browse(scanCtx, b.cfg.MDNSService, b.cfg.MDNSDomain, entries); err != nil {
		return err
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// deviceFromEntry converts one mDNS service entry into a DeviceInfo.
// Entries without a device ID, or advertising this device, are dropped.
func deviceFromEntry(entry *zeroconf.ServiceEntry, selfID string) (dto.DeviceInfo, bool) {
	txt := txtToMap(entry.Text)

	id := strings.TrimSpace(txt["device_id"])
	if id == "" || id == selfID {
		return dto.DeviceInfo{}, false
	}

	ip := firstAddress(entry)
	if ip == "" {
		return dto.DeviceInfo{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = id
	}

	deviceType := strings.TrimSpace(txt["device_type"])
	if deviceType == "" {
		deviceType = "desktop"
	}

	return dto.DeviceInfo{
		ID:              id,
		Name:            name,
		DeviceType:      deviceType,
		IP:              ip,
		Port:            entry.Port,
		Version:         strings.TrimSpace(txt["version"]),
		ProtocolVersion: dto.ProtocolVersion,
	}, true
}

func firstAddress(entry *zeroconf.ServiceEntry) string {
	for _, ip := range append(append([]net.IP{}, entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		if raw := ip.String(); raw != "" {
			return raw
		}
	}
	return ""
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
