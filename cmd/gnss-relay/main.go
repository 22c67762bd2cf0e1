package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gnss-relay/internal/button"
	"gnss-relay/internal/config"
	"gnss-relay/internal/engine"
	"gnss-relay/internal/gnss"
	"gnss-relay/internal/relay"
)

func main() {
	var configPath string
	var summarizePath string
	flag.StringVar(&configPath, "config", "./dev.yaml", "Path to YAML config")
	flag.StringVar(&summarizePath, "summarize", "", "Print a summary of a capture file and exit")
	flag.Parse()

	if summarizePath != "" {
		if err := printCaptureSummary(summarizePath); err != nil {
			log.Fatalf("summarize failed: %v", err)
		}
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	gcfg, err := gnssConfig(cfg)
	if err != nil {
		log.Fatalf("config invalid: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("gnss-relay starting")

	var sink engine.StreamFunc
	var rl *relay.Relay
	if cfg.Relay.Enable {
		broadcaster, err := relay.NewBroadcaster(cfg.Relay.Dest)
		if err != nil {
			log.Fatalf("udp broadcaster init failed: %v", err)
		}
		defer broadcaster.Close()
		rl, err = relay.New(relay.Config{Kinds: cfg.Relay.Kinds}, broadcaster)
		if err != nil {
			log.Fatalf("relay init failed: %v", err)
		}
		sink = rl.Handle
		log.Printf("relay dest=%s kinds=%v", cfg.Relay.Dest, cfg.Relay.Kinds)
	}

	svc := gnss.New(gcfg, sink)
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("gnss start failed: %v", err)
	}
	defer svc.Close()

	btn := button.New(button.Config{Enable: cfg.Button.Enable, Pin: cfg.Button.GPIO, Debounce: cfg.Button.Debounce})
	if err := btn.Start(ctx, func() { toggleStream(svc) }); err != nil {
		// The relay still runs without the button.
		log.Printf("button init failed: %v", err)
	}
	defer btn.Close()

	go logStatus(ctx, time.Minute, svc, rl)

	<-ctx.Done()
	log.Printf("gnss-relay stopping")
}
