package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"peersend/config"
	"peersend/crypto"
	"peersend/discovery"
	"peersend/dto"
	"peersend/server"
	"peersend/session"
	"peersend/storage"
)

const (
	appVersion = "0.1.0-peersend"

	sessionCleanupInterval = 30 * time.Second
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	deviceKey, err := crypto.EnsureDeviceKey(cfg.DeviceKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing device key: %v", err)
	}
	defer crypto.ClearKey(deviceKey)
	fingerprint := crypto.Fingerprint(deviceKey)

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Port:            %d\n", cfg.Port)
	fmt.Printf("Fingerprint:     %s\n", fingerprint)
	fmt.Printf("Download Dir:    %s\n", cfg.DownloadDir)
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	discoveryCfg := discovery.Config{
		SelfID:       cfg.DeviceID,
		DeviceName:   cfg.DeviceName,
		DeviceType:   cfg.DeviceType,
		Version:      appVersion,
		Fingerprint:  fingerprint,
		Port:         cfg.Port,
		UsesPassword: cfg.APIKey != "",
	}

	discoveryService, err := discovery.NewService(discoveryCfg)
	if err != nil {
		log.Fatalf("startup failed while preparing discovery: %v", err)
	}
	discoveryService.Registry.OnFirstSeen = func(device dto.DeviceInfo) {
		log.Printf("discovery: peer available id=%s name=%q addr=%s:%d",
			device.ID, device.Name, device.IP, device.Port)
		if err := store.UpsertDeviceSighting(device); err != nil {
			log.Printf("record device sighting: %v", err)
		}
	}
	discoveryService.Start()
	defer discoveryService.Stop()
	fmt.Println("Discovery:       running")

	manager := session.NewManager(session.DefaultTimeout)

	handler, err := server.NewHandler(server.Options{
		SelfID:       cfg.DeviceID,
		DeviceName:   cfg.DeviceName,
		DeviceType:   cfg.DeviceType,
		Version:      appVersion,
		Port:         cfg.Port,
		UsesPassword: cfg.APIKey != "",
		DownloadDir:  cfg.DownloadDir,
		Manager:      manager,
		Registry:     discoveryService.Registry,
		History:      store,
	})
	if err != nil {
		log.Fatalf("startup failed while preparing protocol surface: %v", err)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("protocol surface failed: %v", err)
		}
	}()
	fmt.Println("API:             running")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runSessionCleanup(ctx, manager, handler)

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown error: %v", err)
	}
}

// runSessionCleanup periodically sweeps idle sessions into the timeout
// failure state and drops them, receive-side state included.
func runSessionCleanup(ctx context.Context, manager *session.Manager, handler *server.Handler) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, id := range manager.CleanupExpired() {
				handler.CloseSession(id)
				log.Printf("session %s expired", id)
			}
		case <-ctx.Done():
			return
		}
	}
}
