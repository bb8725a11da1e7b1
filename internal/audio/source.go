// ABOUTME: Audio source abstraction for the capture pipeline
// ABOUTME: Sources produce signed 16-bit PCM; files are downmixed to the stream channel count
package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
)

// Source provides PCM audio samples to the capture pump.
type Source interface {
	// Read fills samples with interleaved S16LE PCM. Returns the number of
	// samples written. A zero count with nil error is a transient short read.
	Read(samples []int16) (int, error)
	// SampleRate returns the sample rate of the audio.
	SampleRate() int
	// Channels returns the number of interleaved channels.
	Channels() int
	// Title returns a human-readable description of the source.
	Title() string
	// Close releases the source. Safe to call on all exit paths.
	Close() error
}

// NewFileSource creates a source from an MP3 or FLAC file path.
func NewFileSource(path string) (Source, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("audio file not found: %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return newMP3Source(path)
	case ".flac":
		return newFLACSource(path)
	default:
		return nil, fmt.Errorf("unsupported audio format: %s (supported: .mp3, .flac)", filepath.Ext(path))
	}
}

// MP3Source reads from an MP3 file, looping at EOF.
type MP3Source struct {
	file     *os.File
	decoder  *mp3.Decoder
	title    string
	throttle throttle
}

func newMP3Source(path string) (*MP3Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	log.Printf("Loaded MP3: %s (sample rate: %d Hz)", title, decoder.SampleRate())

	return &MP3Source{file: f, decoder: decoder, title: title}, nil
}

func (s *MP3Source) Read(samples []int16) (int, error) {
	// MP3 decoder outputs stereo int16 = 4 bytes per frame
	buf := make([]byte, len(samples)*2)

	n, err := s.decoder.Read(buf)
	if err != nil && err != io.EOF {
		return 0, err
	}

	numSamples := n / 2
	for i := 0; i < numSamples; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
	}

	if err == io.EOF {
		// Loop the file
		if _, seekErr := s.file.Seek(0, 0); seekErr != nil {
			return numSamples, fmt.Errorf("failed to seek to start: %w", seekErr)
		}
		newDecoder, decErr := mp3.NewDecoder(s.file)
		if decErr != nil {
			return numSamples, fmt.Errorf("failed to create new decoder: %w", decErr)
		}
		s.decoder = newDecoder
	}

	s.throttle.pace(numSamples/2, s.decoder.SampleRate())
	return numSamples, nil
}

func (s *MP3Source) SampleRate() int { return s.decoder.SampleRate() }
func (s *MP3Source) Channels() int   { return 2 }
func (s *MP3Source) Title() string   { return s.title }
func (s *MP3Source) Close() error    { return s.file.Close() }

// FLACSource reads from a FLAC file, looping at EOF.
type FLACSource struct {
	file       *os.File
	stream     *flac.Stream
	sampleRate int
	channels   int
	bitDepth   int
	title      string
	throttle   throttle

	// samples decoded from the current frame but not yet consumed
	pending []int16
}

func newFLACSource(path string) (*FLACSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC file: %w", err)
	}

	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}

	info := stream.Info
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	log.Printf("Loaded FLAC: %s (sample rate: %d Hz, channels: %d, bit depth: %d)",
		title, info.SampleRate, info.NChannels, info.BitsPerSample)

	return &FLACSource{
		file:       f,
		stream:     stream,
		sampleRate: int(info.SampleRate),
		channels:   int(info.NChannels),
		bitDepth:   int(info.BitsPerSample),
		title:      title,
	}, nil
}

func (s *FLACSource) Read(samples []int16) (int, error) {
	written := 0

	for written < len(samples) {
		if len(s.pending) > 0 {
			n := copy(samples[written:], s.pending)
			s.pending = s.pending[n:]
			written += n
			continue
		}

		frame, err := s.stream.ParseNext()
		if err != nil {
			if err == io.EOF {
				// Loop back to start
				if _, seekErr := s.file.Seek(0, 0); seekErr != nil {
					return written, fmt.Errorf("failed to seek to start: %w", seekErr)
				}
				newStream, decErr := flac.New(s.file)
				if decErr != nil {
					return written, fmt.Errorf("failed to create new stream: %w", decErr)
				}
				s.stream = newStream
				continue
			}
			return written, err
		}

		s.pending = s.pending[:0]
		for i := 0; i < int(frame.BlockSize); i++ {
			for ch := 0; ch < s.channels; ch++ {
				s.pending = append(s.pending, s.toInt16(frame.Subframes[ch].Samples[i]))
			}
		}
	}

	s.throttle.pace(written/s.channels, s.sampleRate)
	return written, nil
}

// toInt16 scales a FLAC sample of the stream's bit depth to 16-bit.
func (s *FLACSource) toInt16(sample int32) int16 {
	shift := s.bitDepth - 16
	if shift > 0 {
		return int16(sample >> shift)
	}
	return int16(sample << -shift)
}

func (s *FLACSource) SampleRate() int { return s.sampleRate }
func (s *FLACSource) Channels() int   { return s.channels }
func (s *FLACSource) Title() string   { return s.title }
func (s *FLACSource) Close() error    { return s.file.Close() }
