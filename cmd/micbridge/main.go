// ABOUTME: Entry point for the MicBridge relay
// ABOUTME: Parses CLI flags, wires the pipeline, and runs until interrupted
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/micbridge/micbridge-go/internal/announce"
	"github.com/micbridge/micbridge-go/internal/audio"
	"github.com/micbridge/micbridge-go/internal/broadcast"
	"github.com/micbridge/micbridge-go/internal/config"
	"github.com/micbridge/micbridge-go/internal/control"
	"github.com/micbridge/micbridge-go/internal/device"
	"github.com/micbridge/micbridge-go/internal/discovery"
	"github.com/micbridge/micbridge-go/internal/eventing"
	"github.com/micbridge/micbridge-go/internal/monitor"
	"github.com/micbridge/micbridge-go/internal/session"
	"github.com/micbridge/micbridge-go/internal/version"
)

var (
	configPath   = flag.String("config", "micbridge.yaml", "Config file path")
	devicesFlag  = flag.String("devices", "", "Comma-separated renderer addresses (empty = discover)")
	controlPort  = flag.Int("control-port", 1400, "Renderer control port")
	modeFlag     = flag.String("mode", "direct", "Delivery mode: direct or announce")
	audioFile    = flag.String("audio", "", "Audio file to stream instead of the microphone (MP3, FLAC)")
	testTone     = flag.Bool("tone", false, "Stream a test tone instead of the microphone")
	useMonitor   = flag.Bool("monitor", false, "Play the capture locally while streaming")
	discoverWait = flag.Duration("discover-wait", 5*time.Second, "How long to browse when no devices are given")
	logFile      = flag.String("log-file", "micbridge.log", "Log file path")
)

func main() {
	flag.Parse()

	// Log to both file and stdout
	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, f))

	log.Printf("Starting %s %s", version.Product, version.Version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	host := cfg.AdvertiseHost
	if host == "" {
		host, err = discovery.LocalIP()
		if err != nil {
			log.Fatalf("cannot determine local address: %v", err)
		}
	}

	targets, knownDevices := resolveDevices(cfg, *controlPort)
	if len(targets) == 0 {
		log.Fatalf("no renderers found or given")
	}

	source, err := openSource(cfg)
	if err != nil {
		log.Fatalf("audio source: %v", err)
	}
	format := broadcast.Format{
		SampleRate: source.SampleRate(),
		Channels:   source.Channels(),
		BitDepth:   16,
	}

	// Stream server: bind before anything hands out URLs.
	server := broadcast.NewServer(broadcast.ServerConfig{
		Port:              cfg.StreamPort,
		FakeContentLength: cfg.FakeContentLength,
	}, format)
	if err := server.Listen(); err != nil {
		log.Fatalf("stream server: %v", err)
	}
	go func() {
		if err := server.Serve(); err != nil {
			log.Printf("Stream server error: %v", err)
		}
	}()

	controller := control.NewClient(control.DefaultTimeout)

	// Eventing: bind the callback server first, then subscribe.
	onChanged := func(dev device.Target, info eventing.Info) {
		log.Printf("Now playing on %s: state=%s title=%q uri=%s pos=%s",
			dev, info.TransportState, info.TrackTitle, info.TrackURI, info.RelTime)
	}
	events := eventing.NewManager(controller, onChanged, host, cfg.SubscribeTimeoutSec)
	if err := events.Start(); err != nil {
		log.Fatalf("event manager: %v", err)
	}
	for _, dev := range targets {
		if err := events.Subscribe(dev); err != nil {
			log.Printf("Subscription failed for %s, falling back to polling: %v", dev, err)
		}
	}

	pollCtx, stopPoll := context.WithCancel(context.Background())
	poller := eventing.NewPoller(events, controller, onChanged, knownDevices,
		time.Duration(cfg.PollIntervalSec)*time.Second)
	go poller.Run(pollCtx)

	announcer := announce.NewClient(announce.Config{APIKey: cfg.AnnounceAPIKey})

	sessions := session.NewManager(session.Config{
		StreamHost:      host,
		Title:           source.Title(),
		Gain:            cfg.Gain,
		AACBitrate:      cfg.AACBitrate,
		SegmentSeconds:  cfg.SegmentSeconds,
		SegmentCapacity: cfg.SegmentCapacity,
	}, controller, announcer, server, levelLogger())

	mode := session.ModeDirect
	if *modeFlag == "announce" {
		mode = session.ModeAnnounce
	}

	ctx := context.Background()
	results, err := sessions.Start(ctx, source, targets, mode)
	if err != nil {
		log.Fatalf("session: %v", err)
	}
	ok := 0
	for _, r := range results {
		if r.Err == nil {
			ok++
		}
	}
	if ok == 0 {
		sessions.Stop(ctx)
		log.Fatalf("no renderer accepted the stream")
	}
	log.Printf("Streaming to %d/%d renderer(s) at %s", ok, len(results), server.StreamURL(host))

	var mon *monitor.Monitor
	if *useMonitor {
		mon, err = monitor.New(format)
		if err != nil {
			log.Printf("Local monitor unavailable: %v", err)
		} else {
			mon.Start(server.PCM)
		}
	}

	// Run until interrupted or the capture fails.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errTick := time.NewTicker(500 * time.Millisecond)
	defer errTick.Stop()
	running := true
	for running {
		select {
		case sig := <-sigChan:
			log.Printf("Received signal %v, shutting down", sig)
			running = false
		case <-errTick.C:
			if err := sessions.Err(); err != nil {
				log.Printf("Session ended: %v", err)
				running = false
			}
		}
	}

	if mon != nil {
		mon.Stop()
	}
	stopPoll()
	sessions.Stop(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Stream server shutdown: %v", err)
	}

	log.Printf("Stopped cleanly")
}

// resolveDevices turns the -devices flag into targets, or browses when the
// flag is empty. The returned func snapshots all devices known so far, which
// feeds the fallback poller.
func resolveDevices(cfg config.Config, port int) ([]device.Target, eventing.DeviceListFunc) {
	var mu sync.Mutex
	var known []device.Target

	add := func(dev device.Target) {
		mu.Lock()
		defer mu.Unlock()
		for _, d := range known {
			if d.Equal(dev) {
				return
			}
		}
		known = append(known, dev)
	}

	if *devicesFlag != "" {
		for _, addr := range strings.Split(*devicesFlag, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			add(device.Target{Address: addr, ControlPort: port})
		}
	} else {
		log.Printf("Browsing for renderers (%v)...", *discoverWait)
		mgr := discovery.NewManager(discovery.Config{ControlPort: port})
		mgr.Browse()

		deadline := time.After(*discoverWait)
	browse:
		for {
			select {
			case dev := <-mgr.Devices():
				add(dev)
			case <-deadline:
				break browse
			}
		}
		mgr.Stop()
	}

	mu.Lock()
	targets := make([]device.Target, len(known))
	copy(targets, known)
	mu.Unlock()

	list := func() []device.Target {
		mu.Lock()
		defer mu.Unlock()
		out := make([]device.Target, len(known))
		copy(out, known)
		return out
	}
	return targets, list
}

// levelLogger reports capture amplitude at a low rate so the operator can
// see the microphone is live without flooding the log.
func levelLogger() audio.LevelFunc {
	var last time.Time
	return func(l audio.Levels) {
		if time.Since(last) < 5*time.Second {
			return
		}
		last = time.Now()
		log.Printf("Capture level: rms=%.3f peak=%.3f", l.RMS, l.Peak)
	}
}

// openSource picks the capture source: microphone by default, or a file or
// test tone for running without hardware.
func openSource(cfg config.Config) (audio.Source, error) {
	if *testTone {
		return audio.NewTestToneSource(cfg.SampleRate, cfg.Channels), nil
	}
	if *audioFile != "" {
		return audio.NewFileSource(*audioFile)
	}

	mic, err := audio.NewMicSource(cfg.SampleRate, cfg.Channels, 1024)
	if err != nil {
		return nil, fmt.Errorf("open microphone: %w", err)
	}
	if err := mic.Start(); err != nil {
		mic.Close()
		return nil, err
	}
	return mic, nil
}
