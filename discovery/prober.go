package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"peersend/dto"
)

const maxProbeResponseBytes = 64 * 1024

// Prober actively sweeps an address range, issuing one registration probe
// per candidate and inserting every well-formed responder into the registry.
type Prober struct {
	cfg      Config
	registry *Registry
	client   *http.Client
	probeURL probeURLFunc
}

// NewProber creates a prober that scans against the configured API port.
func NewProber(config Config, registry *Registry) (*Prober, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Prober{
		cfg:      cfg,
		registry: registry,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		probeURL: cfg.probeURL,
	}
	if p.probeURL == nil {
		p.probeURL = func(ip string) string {
			return fmt.Sprintf("http://%s:%d%s", ip, cfg.Port, dto.PathRegister)
		}
	}

	return p, nil
}

// ScanRange probes up to span candidate addresses generated by
// incrementing the last octet of baseIP. All probes run concurrently and
// the call returns only once every probe has completed or failed;
// per-candidate failures are swallowed.
func (p *Prober) ScanRange(ctx context.Context, baseIP string, span int) error {
	ip := net.ParseIP(baseIP)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid base IP %q", baseIP)
	}
	if span < 0 {
		return fmt.Errorf("invalid scan span %d", span)
	}

	base := ip.To4()

	var wg sync.WaitGroup
	for i := 1; i <= span; i++ {
		last := int(base[3]) + i
		if last > 255 {
			break
		}
		candidate := net.IPv4(base[0], base[1], base[2], byte(last)).String()

		wg.Add(1)
		go func() {
			defer wg.Done()

			device, err := p.CheckDevice(ctx, candidate)
			if err != nil {
				return
			}
			p.registry.Add(device)
		}()
	}
	wg.Wait()

	return nil
}

// CheckDevice probes a single address and returns its device identity if
// it speaks the protocol.
func (p *Prober) CheckDevice(ctx context.Context, ip string) (dto.DeviceInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL(ip), nil)
	if err != nil {
		return dto.DeviceInfo{}, fmt.Errorf("build probe request for %s: %w", ip, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return dto.DeviceInfo{}, fmt.Errorf("probe %s: %w", ip, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return dto.DeviceInfo{}, fmt.Errorf("probe %s: unexpected status %d", ip, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeResponseBytes))
	if err != nil {
		return dto.DeviceInfo{}, fmt.Errorf("read probe response from %s: %w", ip, err)
	}

	var envelope dto.ApiResponse[dto.RegisterResponse]
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Data != nil {
		return p.toDevice(*envelope.Data, ip)
	}

	// Bare responses without the envelope are accepted too.
	var direct dto.RegisterResponse
	if err := json.Unmarshal(raw, &direct); err != nil || direct.ID == "" {
		return dto.DeviceInfo{}, fmt.Errorf("malformed probe response from %s", ip)
	}
	return p.toDevice(direct, ip)
}

func (p *Prober) toDevice(resp dto.RegisterResponse, ip string) (dto.DeviceInfo, error) {
	if resp.ID == "" {
		return dto.DeviceInfo{}, fmt.Errorf("probe response from %s carries no device ID", ip)
	}
	return dto.DeviceFromRegisterResponse(resp, ip, p.cfg.Port), nil
}
