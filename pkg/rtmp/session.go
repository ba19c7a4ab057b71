package rtmp

import (
	"bytes"
	"io"
	"sync/atomic"
	"time"

	apperrors "github.com/aminofox/rtmpingest/pkg/errors"
	"github.com/aminofox/rtmpingest/pkg/logger"
	"github.com/google/uuid"
)

// Conn is the bidirectional byte-stream surface the core needs from a
// connection; net.Conn satisfies it. Tests drive sessions over plain
// in-memory pipes that implement only the embedded reader/writer, in
// which case deadlines are simply not enforced.
type Conn interface {
	io.Reader
	io.Writer
}

// deadlineConn is the subset of net.Conn that lets the session bound
// idle reads. The handshake deadline is applied by PerformServerHandshake.
type deadlineConn interface {
	SetReadDeadline(t time.Time) error
}

// SessionConfig tunes the protocol engine; see pkg/config.RTMPConfig for
// the on-disk equivalent.
type SessionConfig struct {
	HandshakeTimeout        time.Duration
	IdleTimeout             time.Duration
	InboundChunkSizeDefault uint32
	OutboundChunkSize       uint32
	WindowAckSize           uint32
	PeerBandwidth           uint32
	MaxTrackedChunkStreams  int
}

// DefaultSessionConfig returns the default tuning.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		HandshakeTimeout:        DefaultHandshakeTimeout,
		IdleTimeout:             30 * time.Second,
		InboundChunkSizeDefault: DefaultChunkSize,
		OutboundChunkSize:       DefaultOutboundChunkSize,
		WindowAckSize:           DefaultWindowAckSize,
		PeerBandwidth:           DefaultPeerBandwidth,
		MaxTrackedChunkStreams:  DefaultMaxTrackedChunkStreams,
	}
}

// Session is the per-connection RTMP protocol engine. It
// owns the chunk/message layers and drives the connect/publish command
// protocol. A Session mutates only its own state; nothing here is safe
// to share across connections.
type Session struct {
	id  string
	cfg SessionConfig
	log logger.Logger

	sink Sink

	conn   Conn
	reader *ChunkReader
	writer *ChunkWriter

	state SessionState

	app          string
	streamKey    string
	publishType  PublishType
	nextStreamID uint32
	activeStream uint32

	bytesReceived   uint64
	bytesAckedUpTo  uint64
	metadataPending *ObjectValue
}

// NewSession creates a Session bound to sink, using cfg for protocol
// tuning. log is enriched with a per-session id for correlated logging.
func NewSession(cfg SessionConfig, sink Sink, log logger.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:    id,
		cfg:   cfg,
		log:   log.With(logger.String("session_id", id)),
		sink:  sink,
		state: StateHandshaking,
	}
}

// ID returns the session's correlation id.
func (s *Session) ID() string { return s.id }

// State returns the session's current state.
func (s *Session) State() SessionState { return s.state }

// Run drives conn through the handshake and the full command/media
// protocol until a fatal error occurs or the peer closes the
// connection. A clean peer-initiated close returns nil.
func (s *Session) Run(conn Conn) error {
	s.conn = conn

	if err := s.runHandshake(conn); err != nil {
		s.state = StateClosed
		return err
	}
	s.state = StateConnecting

	counted := &countingReader{r: conn}
	s.reader = NewChunkReader(counted)
	s.reader.SetChunkSize(s.cfg.InboundChunkSizeDefault)
	s.reader.SetMaxChunkStreams(s.cfg.MaxTrackedChunkStreams)
	s.writer = NewChunkWriter(conn)

	if err := s.writer.WriteSetChunkSize(s.cfg.OutboundChunkSize); err != nil {
		s.state = StateClosed
		return apperrors.Wrap(apperrors.ErrCodeNetworkError, "rtmp: failed to announce outbound chunk size", err)
	}

	defer s.closePublish()

	for {
		s.applyIdleDeadline()

		msg, err := s.reader.ReadMessage()
		s.bytesReceived = atomic.LoadUint64(&counted.n)
		if err != nil {
			if err == io.EOF {
				s.state = StateClosed
				return nil
			}
			s.state = StateClosed
			return err
		}

		s.maybeEmitAcknowledgement()

		if fatal, err := s.dispatch(msg); err != nil {
			s.state = StateClosed
			if fatal {
				return err
			}
			return nil
		}

		if s.state == StateClosed {
			return nil
		}
	}
}

func (s *Session) runHandshake(conn Conn) error {
	rw := conn
	return PerformServerHandshake(rw, s.cfg.HandshakeTimeout)
}

func (s *Session) applyIdleDeadline() {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	if dc, ok := s.conn.(deadlineConn); ok {
		_ = dc.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
}

// maybeEmitAcknowledgement emits exactly one Acknowledgement per
// window_ack_size bytes consumed, with a monotonically non-decreasing
// cumulative count.
func (s *Session) maybeEmitAcknowledgement() {
	window := uint64(s.cfg.WindowAckSize)
	if window == 0 {
		return
	}
	for s.bytesReceived-s.bytesAckedUpTo >= window {
		s.bytesAckedUpTo += window
		_ = s.writer.WriteAcknowledgement(uint32(s.bytesAckedUpTo))
	}
}

// dispatch routes a fully reassembled message. The returned bool
// reports whether a non-nil error is fatal (session must close) or was
// already handled locally (e.g. logged and skipped).
func (s *Session) dispatch(msg *Message) (fatal bool, err error) {
	switch msg.MessageTypeID {
	case MessageTypeCommandAMF0:
		return s.dispatchCommand(msg)
	case MessageTypeDataAMF0:
		s.dispatchData(msg)
		return false, nil
	case MessageTypeAudio:
		if s.state == StatePublishing {
			s.sink.Audio(s.streamKey, msg.Timestamp, msg.Payload)
		}
		return false, nil
	case MessageTypeVideo:
		if s.state == StatePublishing {
			s.sink.Video(s.streamKey, msg.Timestamp, msg.Payload)
		}
		return false, nil
	case MessageTypeWindowAckSize, MessageTypeAcknowledgement, MessageTypeSetPeerBandwidth,
		MessageTypeUserControl, MessageTypeAggregate,
		MessageTypeDataAMF3, MessageTypeSharedObjectAMF3, MessageTypeCommandAMF3,
		MessageTypeSharedObjectAMF0:
		s.log.Debug("rtmp: ignoring message", logger.Int("type_id", int(msg.MessageTypeID)))
		return false, nil
	default:
		s.log.Warn("rtmp: unknown message type", logger.Int("type_id", int(msg.MessageTypeID)))
		return false, nil
	}
}

// dispatchData handles Data AMF0: a leading @setDataFrame wrapper
// is unwrapped, and onMetaData's ordered object is retained for the next
// publish_started call. Metadata that arrives after publish, as in the
// usual encoder order connect -> publish -> @setDataFrame/onMetaData ->
// audio/video, is therefore passed only to a later publish_started.
func (s *Session) dispatchData(msg *Message) {
	values, err := NewDecoder(bytes.NewReader(msg.Payload)).DecodeAll()
	if err != nil {
		s.log.Warn("rtmp: dropping malformed data frame", logger.Err(err))
		return
	}
	if len(values) == 0 {
		return
	}

	name := values[0].AsString()
	rest := values[1:]
	if name == "@setDataFrame" && len(rest) > 0 {
		name = rest[0].AsString()
		rest = rest[1:]
	}

	if name == "onMetaData" && len(rest) > 0 && rest[0].Type == TypeEcmaArray {
		s.metadataPending = rest[0].AsObject()
	}
}

// closePublish notifies the sink that any in-progress publish has ended
// when the session tears down, regardless of the reason.
func (s *Session) closePublish() {
	if s.streamKey != "" {
		s.sink.PublishEnded(s.streamKey)
		s.streamKey = ""
	}
}

// countingReader tracks cumulative bytes read so the session can emit
// Acknowledgements on the configured window boundary without the chunk
// reader needing to know about acknowledgement policy at all.
type countingReader struct {
	r io.Reader
	n uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		atomic.AddUint64(&c.n, uint64(n))
	}
	return n, err
}
