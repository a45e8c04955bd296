package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nshaver/nilesbridge/internal/receiver"
	"github.com/nshaver/nilesbridge/internal/server"
	"github.com/nshaver/nilesbridge/web"
)

func main() {
	configPath := flag.String("config", "/etc/nilesbridge/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against an in-process receiver emulator")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8090)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] nilesbridge starting")

	cfg := server.LoadConfig(*configPath)
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	mgr := receiver.NewManager()
	srv := server.New(cfg, mgr, web.FS)

	for _, rc := range cfg.Receivers {
		var transport receiver.Transport
		if *demo {
			numbers := make([]int, 0, len(rc.Zones))
			for _, zc := range rc.Zones {
				numbers = append(numbers, zc.Number)
			}
			transport = receiver.NewEmulator(numbers...)
			log.Printf("[main] receiver %s using emulator", rc.ID)
		} else {
			transport = receiver.NewSerialTransport(rc.PortPath, rc.BaudRate)
		}

		rcv := receiver.New(receiver.Config{
			ID:           rc.ID,
			Transport:    transport,
			Notifier:     srv,
			SourceLabels: rc.SourceLabels,
			PollInterval: time.Duration(rc.PollIntervalSeconds) * time.Second,
		})

		for _, zc := range rc.Zones {
			if err := mgr.AddZone(rc.ID, receiver.NewZone(zc.ID, zc.Number, zc.Name, zc.Dimmer)); err != nil {
				log.Printf("[main] zone %s: %v", zc.ID, err)
			}
		}

		if err := mgr.AddReceiver(rcv); err != nil {
			// Keep retrying in the background — the bridge serves its API
			// regardless, and zones come alive once the port opens.
			go startWithRetry(ctx, rcv)
		}
	}

	defer mgr.StopAll()

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// startWithRetry attempts to start a receiver with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, then keeps trying at the
// max interval indefinitely.
func startWithRetry(ctx context.Context, rcv *receiver.Receiver) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 1

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		attempt++
		if err := rcv.Start(); err != nil {
			log.Printf("[main] receiver %s start attempt %d failed: %v (retry in %v)",
				rcv.ID(), attempt, err, delay)
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}

		log.Printf("[main] receiver %s started (attempt %d)", rcv.ID(), attempt)
		return
	}
}
