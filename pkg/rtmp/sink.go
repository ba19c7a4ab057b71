package rtmp

import (
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"
)

// FrameKind distinguishes the two media payload types the core forwards.
type FrameKind int

const (
	FrameAudio FrameKind = iota
	FrameVideo
)

// Sink is the media-sink interface the core pushes produced frames
// through; it is implemented outside the core. PublishStarted
// may reject a publish attempt (e.g. unknown stream key, concurrent
// publisher), in which case the session replies onStatus
// NetStream.Publish.BadName and remains Connected.
type Sink interface {
	PublishStarted(streamKey string, metadata *ObjectValue) error
	Audio(streamKey string, timestamp uint32, payload []byte)
	Video(streamKey string, timestamp uint32, payload []byte)
	PublishEnded(streamKey string)
}

// Frame is one forwarded media payload, fingerprinted with blake2b for
// downstream dedup/integrity checks.
type Frame struct {
	StreamKey   string
	Kind        FrameKind
	Timestamp   uint32
	Payload     []byte
	Fingerprint [32]byte
}

// ChannelSink is a Sink that relays frames onto a bounded channel per
// stream key. On overflow it drops the oldest queued frame rather than
// blocking the session task or dropping the newest frame, preserving
// liveness of real-time video.
type ChannelSink struct {
	mu       sync.Mutex
	capacity int
	queues   map[string]chan Frame
	dropped  map[string]*uint64
	onAccept func(streamKey string) error
}

// NewChannelSink creates a ChannelSink with the given per-stream queue
// capacity. onAccept, if non-nil, gates PublishStarted (e.g. to check a
// distributed stream-key lease) before the queue is created.
func NewChannelSink(capacity int, onAccept func(streamKey string) error) *ChannelSink {
	return &ChannelSink{
		capacity: capacity,
		queues:   make(map[string]chan Frame),
		dropped:  make(map[string]*uint64),
		onAccept: onAccept,
	}
}

// PublishStarted implements Sink.
func (s *ChannelSink) PublishStarted(streamKey string, metadata *ObjectValue) error {
	if s.onAccept != nil {
		if err := s.onAccept(streamKey); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[streamKey] = make(chan Frame, s.capacity)
	var dropCounter uint64
	s.dropped[streamKey] = &dropCounter
	return nil
}

// Audio implements Sink.
func (s *ChannelSink) Audio(streamKey string, timestamp uint32, payload []byte) {
	s.push(streamKey, FrameAudio, timestamp, payload)
}

// Video implements Sink.
func (s *ChannelSink) Video(streamKey string, timestamp uint32, payload []byte) {
	s.push(streamKey, FrameVideo, timestamp, payload)
}

// PublishEnded implements Sink.
func (s *ChannelSink) PublishEnded(streamKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.queues[streamKey]; ok {
		close(ch)
		delete(s.queues, streamKey)
	}
	delete(s.dropped, streamKey)
}

// Frames returns the relay channel for streamKey, or nil if no publish
// is active under that key.
func (s *ChannelSink) Frames(streamKey string) <-chan Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues[streamKey]
}

// DroppedFrames reports how many frames have been dropped for streamKey
// due to queue overflow.
func (s *ChannelSink) DroppedFrames(streamKey string) uint64 {
	s.mu.Lock()
	counter, ok := s.dropped[streamKey]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return atomic.LoadUint64(counter)
}

func (s *ChannelSink) push(streamKey string, kind FrameKind, timestamp uint32, payload []byte) {
	s.mu.Lock()
	ch, ok := s.queues[streamKey]
	counter := s.dropped[streamKey]
	s.mu.Unlock()
	if !ok {
		return
	}

	frame := Frame{
		StreamKey:   streamKey,
		Kind:        kind,
		Timestamp:   timestamp,
		Payload:     payload,
		Fingerprint: fingerprint(payload),
	}

	for {
		select {
		case ch <- frame:
			return
		default:
		}

		select {
		case <-ch:
			if counter != nil {
				atomic.AddUint64(counter, 1)
			}
		default:
			return
		}
	}
}

// fingerprint computes a blake2b-256 digest of a frame payload.
func fingerprint(payload []byte) [32]byte {
	return blake2b.Sum256(payload)
}
