package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/signal"
	"path/filepath"
	"syscall"

	"netless/config"
	"netless/discovery"
	"netless/network"
	"netless/storage"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	fmt.Printf("Relay ID:        %s\n", cfg.RelayID)
	fmt.Printf("Relay Name:      %s\n", cfg.RelayName)
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

	relay, err := network.ListenRelay(fmt.Sprintf(":%d", cfg.BindPort), network.RelayOptions{
		Store:                 store,
		AdminSecretHash:       cfg.AdminSecretHash,
		BackpressureThreshold: cfg.BackpressureThreshold,
		SendTimeout:           cfg.SendTimeout(),
		QueueDepth:            cfg.QueueDepth,
		ReassemblyStaleness:   cfg.ReassemblyStaleness(),
		MaxFrameSize:          cfg.MaxFrameSize,
		MaxPayloadSize:        cfg.MaxPayloadSize,
	})
	if err != nil {
		log.Fatalf("startup failed while starting relay: %v", err)
	}
	defer func() {
		if err := relay.Close(); err != nil {
			log.Printf("relay close error: %v", err)
		}
	}()
	fmt.Printf("Listening:       %s\n", relay.Addr())
	printLANEndpoints(cfg.BindPort)

	broadcaster, err := discovery.StartBroadcaster(discovery.Config{
		RelayID:   cfg.RelayID,
		RelayName: cfg.RelayName,
		Port:      cfg.BindPort,
	})
	if err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer broadcaster.Stop()
		fmt.Println("Discovery:       running")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// printLANEndpoints lists the non-loopback IPv4 addresses clients can
// connect to.
func printLANEndpoints(port int) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil {
				continue
			}
			fmt.Printf("LAN Endpoint:    ws://%s:%d/ws\n", ip, port)
		}
	}
}
