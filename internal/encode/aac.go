// ABOUTME: Streaming AAC encoder backed by an ffmpeg child process
// ABOUTME: Splits the encoder output into frames and restamps each ADTS header
package encode

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
)

// AACEncoder feeds PCM into ffmpeg and emits ADTS-framed AAC. Each emitted
// frame carries a locally generated header so the declared length always
// matches the payload actually sent.
type AACEncoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	header FrameHeader
	frames chan []byte

	closeOnce sync.Once
	closeErr  error
}

// NewAACEncoder starts an encoder for S16LE input at the given format. It
// fails if ffmpeg is not installed; callers treat that as the compressed
// path being unavailable, not as a fatal error.
func NewAACEncoder(sampleRate, channels, bitrate int) (*AACEncoder, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	if _, err := SampleRateIndex(sampleRate); err != nil {
		return nil, err
	}

	cmd := exec.Command("ffmpeg",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-ac", fmt.Sprintf("%d", channels),
		"-i", "pipe:0",
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%d", bitrate),
		"-f", "adts",
		"pipe:1")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	e := &AACEncoder{
		cmd:    cmd,
		stdin:  stdin,
		header: FrameHeader{Profile: 2, SampleRate: sampleRate, Channels: channels},
		frames: make(chan []byte, 64),
	}

	go e.readFrames(stdout)

	log.Printf("AAC encoder started (%d Hz, %d ch, %d bps)", sampleRate, channels, bitrate)
	return e, nil
}

// Write feeds raw PCM bytes to the encoder.
func (e *AACEncoder) Write(pcm []byte) error {
	if _, err := e.stdin.Write(pcm); err != nil {
		return fmt.Errorf("write to encoder: %w", err)
	}
	return nil
}

// Frames returns the channel of complete ADTS frames. The channel is closed
// when the encoder output ends.
func (e *AACEncoder) Frames() <-chan []byte {
	return e.frames
}

// readFrames splits the encoder's ADTS stream into frames using the declared
// frame length, then re-wraps each payload with a locally generated header.
func (e *AACEncoder) readFrames(stdout io.Reader) {
	defer close(e.frames)

	r := bufio.NewReaderSize(stdout, 16*1024)
	hdr := make([]byte, HeaderSize)

	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				log.Printf("AAC encoder read error: %v", err)
			}
			return
		}

		parsed, err := ParseHeader(hdr)
		if err != nil {
			log.Printf("AAC encoder lost sync: %v", err)
			return
		}

		rest := make([]byte, parsed.FrameLen-HeaderSize)
		if _, err := io.ReadFull(r, rest); err != nil {
			log.Printf("AAC encoder truncated frame: %v", err)
			return
		}

		payload := rest[parsed.HeaderLen-HeaderSize:]
		frame, err := e.header.Frame(payload)
		if err != nil {
			log.Printf("AAC framing error: %v", err)
			return
		}
		e.frames <- frame
	}
}

// Close stops the encoder input and waits for the child process to drain.
func (e *AACEncoder) Close() error {
	e.closeOnce.Do(func() {
		e.stdin.Close()
		e.closeErr = e.cmd.Wait()
	})
	return e.closeErr
}
