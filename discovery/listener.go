package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"peersend/dto"
)

// Listener perpetually receives multicast announcements from peers and
// feeds the device registry. Messages from this device and malformed
// payloads are silently dropped.
type Listener struct {
	cfg      Config
	registry *Registry

	conn *net.UDPConn

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewListener binds the multicast port and joins the discovery group on
// every eligible interface.
func NewListener(config Config, registry *Registry) (*Listener, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.MulticastPort})
	if err != nil {
		return nil, fmt.Errorf("bind multicast port %d: %w", cfg.MulticastPort, err)
	}

	group := net.ParseIP(cfg.Group)
	if group == nil {
		_ = conn.Close()
		return nil, fmt.Errorf("invalid multicast group %q", cfg.Group)
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := joinGroupAllInterfaces(pconn, group); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &Listener{
		cfg:      cfg,
		registry: registry,
		conn:     conn,
	}, nil
}

// Start begins the receive loop.
func (l *Listener) Start() {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go l.loop()
	})
}

// Stop closes the socket and waits for the receive loop to exit.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		_ = l.conn.Close()
		l.wg.Wait()
	})
}

func (l *Listener) loop() {
	defer l.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			// Closed socket ends the loop; transient errors do not.
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		l.handleDatagram(payload, src.IP.String())
	}
}

// handleDatagram parses one received announcement and inserts the peer.
// Malformed payloads and self-announcements are dropped without error.
func (l *Listener) handleDatagram(payload []byte, sourceIP string) {
	var msg dto.Announcement
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	if msg.ID == "" || msg.ID == l.cfg.SelfID {
		return
	}

	l.registry.Add(dto.DeviceFromAnnouncement(msg, sourceIP, l.cfg.Port))
}

func joinGroupAllInterfaces(pconn *ipv4.PacketConn, group net.IP) error {
	groupAddr := &net.UDPAddr{IP: group}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}

	joined := 0
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pconn.JoinGroup(&iface, groupAddr); err == nil {
			joined++
		}
	}
	if joined == 0 {
		// Fall back to the system-chosen interface.
		if err := pconn.JoinGroup(nil, groupAddr); err != nil {
			return fmt.Errorf("join multicast group %s: %w", group, err)
		}
	}

	return nil
}
