// ABOUTME: HTTP server exposing the live stream in each delivery mode
// ABOUTME: Raw PCM with a declared fake length, chunked ADTS frames, and segment list
package broadcast

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/micbridge/micbridge-go/internal/encode"
)

// Format describes the live stream's PCM format.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// ServerConfig holds stream server configuration.
type ServerConfig struct {
	Port int // 0 = ephemeral

	// Declared Content-Length for the unbounded PCM endpoint. Some renderers
	// refuse to start playback without one, so a large finite value stands
	// in for the unknowable true length.
	FakeContentLength int64
}

// Server serves the live capture to renderer pull requests. It owns the set
// of open reader connections, nothing else.
type Server struct {
	config ServerConfig
	format Format

	// One broadcaster per delivery mode. The compressed pair may be nil
	// when the encoder path is unavailable; the other modes keep working.
	// Attached after Serve is accepting, so reads go through compressed().
	PCM      *Broadcaster
	mu       sync.Mutex
	aac      *Broadcaster
	segments *encode.Segmenter

	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates a stream server for the given format. Call Listen before
// handing out URLs, then Serve.
func NewServer(config ServerConfig, format Format) *Server {
	s := &Server{
		config: config,
		format: format,
		PCM:    NewBroadcaster(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stream.wav", s.handleWAV)
	mux.HandleFunc("/stream.aac", s.handleAAC)
	mux.HandleFunc("/live.m3u8", s.handlePlaylist)
	mux.HandleFunc("/segment/", s.handleSegment)

	s.httpServer = &http.Server{Handler: mux}
	return s
}

// EnableAAC attaches the compressed delivery mode. Without it the AAC and
// segment endpoints answer 503. Safe to call while handlers are serving.
func (s *Server) EnableAAC(frames *Broadcaster, segments *encode.Segmenter) {
	s.mu.Lock()
	s.aac = frames
	s.segments = segments
	s.mu.Unlock()
}

// compressed snapshots the compressed-mode state for one request.
func (s *Server) compressed() (*Broadcaster, *encode.Segmenter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aac, s.segments
}

// Listen binds the server socket so the bound port is known before any
// device is pointed at a stream URL.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("bind stream server: %w", err)
	}
	s.listener = ln
	log.Printf("Stream server listening on %s", ln.Addr())
	return nil
}

// Port returns the bound port. Only valid after Listen.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Serve runs the accept loop. Blocks until Shutdown.
func (s *Server) Serve() error {
	if err := s.httpServer.Serve(s.listener); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// CloseReaders disconnects every streaming reader. Their handler goroutines
// exit via write errors on their own connections.
func (s *Server) CloseReaders() {
	s.PCM.CloseAll()
	if aac, _ := s.compressed(); aac != nil {
		aac.CloseAll()
	}
}

// Shutdown stops the HTTP server after closing all readers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.CloseReaders()
	return s.httpServer.Shutdown(ctx)
}

// StreamURL returns the raw PCM stream URL as reachable from host.
func (s *Server) StreamURL(host string) string {
	return fmt.Sprintf("http://%s:%d/stream.wav", host, s.Port())
}

// handleWAV serves the unbounded PCM stream. HEAD is answered with the same
// headers GET would carry, since renderers probe before playing.
func (s *Server) handleWAV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.FormatInt(s.config.FakeContentLength, 10))
	w.Header().Set("Accept-Ranges", "none")

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	header := encode.WAVHeader(s.format.SampleRate, s.format.Channels, s.format.BitDepth)
	if _, err := w.Write(header); err != nil {
		return
	}
	flusher.Flush()

	log.Printf("PCM reader connected: %s", r.RemoteAddr)
	s.streamChunks(w, flusher, s.PCM, r.RemoteAddr)
}

// handleAAC serves the compressed stream as chunked ADTS frames.
func (s *Server) handleAAC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	aac, _ := s.compressed()
	if aac == nil {
		http.Error(w, "compressed stream unavailable", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/aac")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Printf("AAC reader connected: %s", r.RemoteAddr)
	s.streamChunks(w, flusher, aac, r.RemoteAddr)
}

// streamChunks pumps broadcast chunks to one connection until the reader
// disconnects or the session ends. Only this reader is affected either way.
func (s *Server) streamChunks(w http.ResponseWriter, flusher http.Flusher, b *Broadcaster, remote string) {
	reader := b.Subscribe(64)
	defer b.Unsubscribe(reader)

	for {
		select {
		case chunk := <-reader.Chunks():
			if _, err := w.Write(chunk); err != nil {
				log.Printf("Reader %s disconnected: %v", remote, err)
				return
			}
			flusher.Flush()
		case <-reader.Done():
			log.Printf("Reader %s closed (session ended, %d chunks dropped)", remote, reader.Dropped())
			return
		}
	}
}

// handlePlaylist serves the segment index.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	_, segments := s.compressed()
	if segments == nil {
		http.Error(w, "segmented stream unavailable", http.StatusServiceUnavailable)
		return
	}

	playlist := segments.Playlist()
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(playlist))
}

// handleSegment serves one sealed segment by ID with a correct length.
func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	_, segments := s.compressed()
	if segments == nil {
		http.Error(w, "segmented stream unavailable", http.StatusServiceUnavailable)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/segment/")
	name = strings.TrimSuffix(name, ".aac")
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		http.Error(w, "bad segment id", http.StatusBadRequest)
		return
	}

	seg, ok := segments.Segment(id)
	if !ok {
		http.Error(w, "segment not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "audio/aac")
	w.Header().Set("Content-Length", strconv.Itoa(len(seg.Payload)))
	w.Write(seg.Payload)
}

// WaitReady polls until the server accepts connections or the deadline
// passes. Used by tests and by session startup ordering.
func (s *Server) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := s.listener.Addr().String()
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("stream server not ready after %v", timeout)
}
