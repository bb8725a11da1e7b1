// ABOUTME: Bounded segment registry for the segmented delivery mode
// ABOUTME: Accumulates ADTS frames into fixed-duration sealed segments and a playlist
package encode

import (
	"bytes"
	"fmt"
	"sync"
)

// Segment is a finite, independently fetchable chunk of the stream.
type Segment struct {
	ID       uint64
	Payload  []byte
	Duration float64 // seconds
}

// Segmenter accumulates encoded frames into sealed segments. It holds at
// most capacity segments, evicting the oldest; segment IDs increase strictly
// and the playlist's media sequence is always the oldest held ID.
type Segmenter struct {
	mu sync.Mutex

	targetSeconds float64
	capacity      int
	sampleRate    int

	nextID   uint64
	current  bytes.Buffer
	elapsed  float64 // seconds accumulated in current
	segments []Segment
}

// NewSegmenter creates a segmenter sealing segments of roughly targetSeconds,
// holding at most capacity sealed segments.
func NewSegmenter(sampleRate int, targetSeconds float64, capacity int) *Segmenter {
	return &Segmenter{
		targetSeconds: targetSeconds,
		capacity:      capacity,
		sampleRate:    sampleRate,
	}
}

// Append adds one encoded frame to the in-progress segment, sealing it once
// the accumulated duration crosses the target.
func (s *Segmenter) Append(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.Write(frame)
	s.elapsed += float64(SamplesPerFrame) / float64(s.sampleRate)

	if s.elapsed >= s.targetSeconds {
		s.sealLocked()
	}
}

// sealLocked moves the in-progress buffer into the segment list.
func (s *Segmenter) sealLocked() {
	if s.current.Len() == 0 {
		return
	}

	payload := make([]byte, s.current.Len())
	copy(payload, s.current.Bytes())

	s.segments = append(s.segments, Segment{
		ID:       s.nextID,
		Payload:  payload,
		Duration: s.elapsed,
	})
	s.nextID++
	s.current.Reset()
	s.elapsed = 0

	if len(s.segments) > s.capacity {
		s.segments = s.segments[len(s.segments)-s.capacity:]
	}
}

// Segment returns the sealed segment with the given ID.
func (s *Segmenter) Segment(id uint64) (Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, seg := range s.segments {
		if seg.ID == id {
			return seg, true
		}
	}
	return Segment{}, false
}

// Segments returns a snapshot of the sealed segments, oldest first.
func (s *Segmenter) Segments() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

// Playlist renders the current segment index. The media sequence number is
// the ID of the first listed segment, so players can track eviction.
func (s *Segmenter) Playlist() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b bytes.Buffer
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(s.targetSeconds)+1)

	mediaSeq := s.nextID
	if len(s.segments) > 0 {
		mediaSeq = s.segments[0].ID
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSeq)

	for _, seg := range s.segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		fmt.Fprintf(&b, "segment/%d.aac\n", seg.ID)
	}
	return b.String()
}
