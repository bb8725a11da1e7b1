// ABOUTME: Local monitor playback of the live capture using oto
// ABOUTME: Lets the operator hear what the renderers receive
package monitor

import (
	"fmt"
	"io"
	"log"

	"github.com/ebitengine/oto/v3"

	"github.com/micbridge/micbridge-go/internal/broadcast"
)

// Monitor plays the live PCM broadcast on the local output device. It is
// just another broadcast reader: lagging drops its own chunks only.
type Monitor struct {
	otoCtx *oto.Context
	player *oto.Player
	reader *broadcast.Reader
	b      *broadcast.Broadcaster
}

// New initializes the local output at the stream format.
func New(format broadcast.Format) (*Monitor, error) {
	op := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	log.Printf("Local monitor initialized: %dHz, %d channels", format.SampleRate, format.Channels)
	return &Monitor{otoCtx: ctx}, nil
}

// Start subscribes to the PCM broadcast and begins playback.
func (m *Monitor) Start(b *broadcast.Broadcaster) {
	m.b = b
	m.reader = b.Subscribe(32)
	m.player = m.otoCtx.NewPlayer(&chunkReader{reader: m.reader})
	m.player.Play()
	log.Printf("Local monitor playing")
}

// Stop ends playback and releases the broadcast subscription.
func (m *Monitor) Stop() {
	if m.player != nil {
		m.player.Close()
		m.player = nil
	}
	if m.reader != nil {
		m.b.Unsubscribe(m.reader)
		m.reader = nil
	}
}

// chunkReader adapts a broadcast reader to io.Reader for oto.
type chunkReader struct {
	reader  *broadcast.Reader
	pending []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		select {
		case chunk := <-r.reader.Chunks():
			r.pending = chunk
		case <-r.reader.Done():
			return 0, io.EOF
		}
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
