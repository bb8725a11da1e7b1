// ABOUTME: Playback session orchestration across the selected devices
// ABOUTME: Runs the capture pump and drives each device's delivery mode
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/micbridge/micbridge-go/internal/audio"
	"github.com/micbridge/micbridge-go/internal/broadcast"
	"github.com/micbridge/micbridge-go/internal/device"
	"github.com/micbridge/micbridge-go/internal/encode"
)

// Mode selects how a device receives the capture.
type Mode int

const (
	// ModeDirect streams the raw endpoint through the device's transport.
	ModeDirect Mode = iota
	// ModeAnnounce plays the stream as a ducked clip over existing playback.
	ModeAnnounce
)

// Controller is the control-protocol surface the session needs.
type Controller interface {
	SetSource(ctx context.Context, dev device.Target, uri, title string) error
	Play(ctx context.Context, dev device.Target) error
	Stop(ctx context.Context, dev device.Target) error
}

// Announcer delivers the stream as a ducked clip.
type Announcer interface {
	PlayClip(ctx context.Context, dev device.Target, streamURL, title string, volume int) (string, error)
}

// DeviceResult reports the per-device outcome of session start. A failure on
// one device never affects the others.
type DeviceResult struct {
	Device      device.Target
	Mode        Mode
	StartedByUs bool // playback was started by this process, so we stop it
	ClipID      string
	Err         error
}

// Config holds session configuration.
type Config struct {
	StreamHost      string // host devices use to reach the stream server
	Title           string // display title sent to devices
	Gain            int
	FramesPerBuffer int
	AACBitrate      int
	SegmentSeconds  float64
	SegmentCapacity int
	ClipVolume      int // announcement volume, 0 = device default
}

// Manager runs at most one capture session at a time.
type Manager struct {
	config     Config
	controller Controller
	announcer  Announcer
	server     *broadcast.Server
	onLevels   audio.LevelFunc

	mu      sync.Mutex
	id      string
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	source  audio.Source
	aac     *encode.AACEncoder
	results []DeviceResult
	fatal   error
}

// NewManager creates a session manager. The broadcast server must already be
// listening so stream URLs carry the bound port.
func NewManager(config Config, controller Controller, announcer Announcer, server *broadcast.Server, onLevels audio.LevelFunc) *Manager {
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = 1024
	}
	if config.Gain < 1 {
		// Gain 0 would zero every sample; unity is the safe floor.
		config.Gain = 1
	}
	if config.Title == "" {
		config.Title = "Live Microphone"
	}
	return &Manager{
		config:     config,
		controller: controller,
		announcer:  announcer,
		server:     server,
		onLevels:   onLevels,
	}
}

// Start begins a capture session feeding the given devices. The capture pump
// and per-device starts run concurrently; the returned results carry one
// entry per device.
func (m *Manager) Start(ctx context.Context, source audio.Source, devices []device.Target, mode Mode) ([]DeviceResult, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, fmt.Errorf("session already running")
	}
	m.running = true
	m.id = uuid.New().String()
	m.source = source
	m.fatal = nil

	pumpCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	log.Printf("Session %s starting: %d device(s), mode %d", m.id, len(devices), mode)

	// Compressed path is best-effort: without it the raw endpoint still
	// serves every reader.
	aac, err := encode.NewAACEncoder(source.SampleRate(), source.Channels(), m.config.AACBitrate)
	if err != nil {
		log.Printf("Compressed stream disabled: %v", err)
	} else {
		m.mu.Lock()
		m.aac = aac
		m.mu.Unlock()

		frames := broadcast.NewBroadcaster()
		segments := encode.NewSegmenter(source.SampleRate(), m.config.SegmentSeconds, m.config.SegmentCapacity)
		m.server.EnableAAC(frames, segments)

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for frame := range aac.Frames() {
				frames.Publish(frame)
				segments.Append(frame)
			}
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pump(pumpCtx, source)
	}()

	results := m.startDevices(ctx, devices, mode)

	m.mu.Lock()
	m.results = results
	m.mu.Unlock()
	return results, nil
}

// startDevices drives every selected device concurrently.
func (m *Manager) startDevices(ctx context.Context, devices []device.Target, mode Mode) []DeviceResult {
	streamURL := m.server.StreamURL(m.config.StreamHost)

	results := make([]DeviceResult, len(devices))
	var wg sync.WaitGroup
	for i, dev := range devices {
		wg.Add(1)
		go func(i int, dev device.Target) {
			defer wg.Done()
			results[i] = m.startDevice(ctx, dev, mode, streamURL)
		}(i, dev)
	}
	wg.Wait()

	for _, r := range results {
		if r.Err != nil {
			log.Printf("Device %s failed to start: %v", r.Device, r.Err)
		}
	}
	return results
}

func (m *Manager) startDevice(ctx context.Context, dev device.Target, mode Mode, streamURL string) DeviceResult {
	result := DeviceResult{Device: dev, Mode: mode}

	switch mode {
	case ModeAnnounce:
		clipID, err := m.announcer.PlayClip(ctx, dev, streamURL, m.config.Title, m.config.ClipVolume)
		if err != nil {
			result.Err = err
			return result
		}
		result.ClipID = clipID

	default:
		if err := m.controller.SetSource(ctx, dev, streamURL, m.config.Title); err != nil {
			result.Err = err
			return result
		}
		if err := m.controller.Play(ctx, dev); err != nil {
			result.Err = err
			return result
		}
		result.StartedByUs = true
	}
	return result
}

// pump is the dedicated capture loop: read, amplify, analyze, fan out. It
// never blocks on network I/O; broadcast delivery is non-blocking and the
// encoder input is a local pipe.
func (m *Manager) pump(ctx context.Context, source audio.Source) {
	buf := make([]int16, m.config.FramesPerBuffer*source.Channels())
	consecutiveErrs := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := source.Read(buf)
		if err != nil {
			consecutiveErrs++
			if consecutiveErrs >= 3 {
				log.Printf("Capture failed %d times in a row, ending session: %v", consecutiveErrs, err)
				m.fail(fmt.Errorf("capture failed: %w", err))
				return
			}
			log.Printf("Capture read error (%d/3): %v", consecutiveErrs, err)
			time.Sleep(20 * time.Millisecond)
			continue
		}
		consecutiveErrs = 0

		if n == 0 {
			// Transient short read
			time.Sleep(10 * time.Millisecond)
			continue
		}

		samples := buf[:n]
		encode.ApplyGain(samples, m.config.Gain)

		if m.onLevels != nil {
			m.onLevels(audio.Analyze(samples))
		}

		pcm := encode.PCMBytes(samples)
		m.server.PCM.Publish(pcm)

		m.mu.Lock()
		aac := m.aac
		m.mu.Unlock()
		if aac != nil {
			if err := aac.Write(pcm); err != nil {
				log.Printf("Compressed path lost: %v", err)
				m.mu.Lock()
				m.aac = nil
				m.mu.Unlock()
				go aac.Close()
			}
		}
	}
}

// fail records a fatal capture error and tears the session down.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	if m.fatal == nil {
		m.fatal = err
	}
	m.mu.Unlock()
	go m.Stop(context.Background())
}

// Err returns the fatal capture error, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

// Stop ends the session: the capture loop is cancelled, the encoder paths
// close, all stream readers are disconnected, and playback is stopped only
// on devices this process started. In-flight control calls on other devices
// are left to complete or time out on their own.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	source := m.source
	aac := m.aac
	m.aac = nil
	results := m.results
	id := m.id
	m.mu.Unlock()

	log.Printf("Session %s stopping", id)
	cancel()

	if source != nil {
		if err := source.Close(); err != nil {
			log.Printf("Error closing capture source: %v", err)
		}
	}
	if aac != nil {
		if err := aac.Close(); err != nil {
			log.Printf("Error closing encoder: %v", err)
		}
	}

	m.server.CloseReaders()

	var wg sync.WaitGroup
	for _, r := range results {
		if !r.StartedByUs {
			continue
		}
		wg.Add(1)
		go func(dev device.Target) {
			defer wg.Done()
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := m.controller.Stop(stopCtx, dev); err != nil {
				log.Printf("Stop failed for %s: %v", dev, err)
			}
		}(r.Device)
	}
	wg.Wait()

	m.wg.Wait()
	log.Printf("Session %s stopped", id)
}
