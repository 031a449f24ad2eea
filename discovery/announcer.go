package discovery

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	"peersend/dto"
)

// Announcer periodically broadcasts this device's identity on the
// discovery multicast group.
type Announcer struct {
	cfg Config

	conn      *net.UDPConn
	writeTo   writeToFunc
	groupAddr *net.UDPAddr

	announcementID string

	startOnce sync.Once
	stopOnce  sync.Once

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewAnnouncer creates an announcer bound to an ephemeral UDP port.
func NewAnnouncer(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	a := &Announcer{
		cfg:            cfg,
		writeTo:        cfg.writeTo,
		announcementID: uuid.NewString(),
		stop:           make(chan struct{}),
	}

	if a.writeTo == nil {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
		if err != nil {
			return nil, fmt.Errorf("bind announcer socket: %w", err)
		}
		pconn := ipv4.NewPacketConn(conn)
		_ = pconn.SetMulticastTTL(4)
		_ = pconn.SetMulticastLoopback(true)

		a.conn = conn
		a.writeTo = conn.WriteTo
	}

	a.groupAddr = &net.UDPAddr{
		IP:   net.ParseIP(cfg.Group),
		Port: cfg.MulticastPort,
	}
	if a.groupAddr.IP == nil {
		a.close()
		return nil, fmt.Errorf("invalid multicast group %q", cfg.Group)
	}

	return a, nil
}

// Start begins the periodic announce loop.
func (a *Announcer) Start() {
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go a.loop()
	})
}

// Stop halts the announce loop and releases the socket.
func (a *Announcer) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		a.wg.Wait()
		a.close()
	})
}

// Announce sends a single announcement datagram now.
//
// A partial write is a warning, not a failure: the next periodic tick
// retries with a fresh datagram.
func (a *Announcer) Announce() error {
	msg := a.message()

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}

	written, err := a.writeTo(raw, a.groupAddr)
	if err != nil {
		return fmt.Errorf("send announcement: %w", err)
	}
	if written != len(raw) {
		log.Printf("discovery: announcement partially sent (%d of %d bytes)", written, len(raw))
	}

	return nil
}

func (a *Announcer) message() dto.Announcement {
	return dto.Announcement{
		Type:            dto.AnnouncementType,
		ID:              a.cfg.SelfID,
		DeviceType:      a.cfg.DeviceType,
		Name:            a.cfg.DeviceName,
		Version:         a.cfg.Version,
		ProtocolVersion: dto.ProtocolVersion,
		Download:        true,
		Port:            a.cfg.Port,
		AnnouncementID:  a.announcementID,
		UsesPassword:    a.cfg.UsesPassword,
	}
}

func (a *Announcer) loop() {
	defer a.wg.Done()

	if err := a.Announce(); err != nil {
		log.Printf("discovery: announce failed: %v", err)
	}

	ticker := time.NewTicker(a.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.Announce(); err != nil {
				log.Printf("discovery: announce failed: %v", err)
			}
		case <-a.stop:
			return
		}
	}
}

func (a *Announcer) close() {
	if a.conn != nil {
		_ = a.conn.Close()
	}
}
