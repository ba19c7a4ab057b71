package rtmp

import (
	"encoding/binary"
	"io"

	apperrors "github.com/aminofox/rtmpingest/pkg/errors"
)

// chunkStreamState is the per-csid state the reassembler keeps across
// chunks.
type chunkStreamState struct {
	lastTimestamp      uint32
	lastTimestampDelta uint32
	lastMessageLength  uint32
	lastTypeID         uint8
	lastStreamID       uint32
	usesExtendedTS     bool
	partialPayload     []byte
	expectedLength     uint32
}

// ChunkReader de-chunks an inbound RTMP byte stream into complete
// messages. Set Chunk Size and Abort are protocol-control
// messages whose only effect is on this reader's own state, so they are
// applied internally and never surfaced to ReadMessage's caller.
type ChunkReader struct {
	r          io.Reader
	chunkSize  uint32
	streams    map[uint32]*chunkStreamState
	maxStreams int
}

// NewChunkReader creates a chunk reader with the default inbound
// chunk size and a csid cap of DefaultMaxTrackedChunkStreams; use
// SetMaxChunkStreams to change it.
func NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{
		r:          r,
		chunkSize:  DefaultChunkSize,
		streams:    make(map[uint32]*chunkStreamState),
		maxStreams: DefaultMaxTrackedChunkStreams,
	}
}

// SetMaxChunkStreams bounds the number of distinct csids this reader
// will track simultaneously.
func (cr *ChunkReader) SetMaxChunkStreams(n int) {
	cr.maxStreams = n
}

// ChunkSize reports the currently effective inbound chunk size.
func (cr *ChunkReader) ChunkSize() uint32 {
	return cr.chunkSize
}

// SetChunkSize overrides the chunk size assumed before the peer sends
// its own Set Chunk Size message. Call before the first ReadMessage.
func (cr *ChunkReader) SetChunkSize(size uint32) {
	if size == 0 {
		return
	}
	cr.chunkSize = size
}

// ReadMessage reads and returns the next complete RTMP message other than
// Set Chunk Size and Abort, whose effects it applies internally as it
// goes. Other protocol control messages are returned to the caller.
func (cr *ChunkReader) ReadMessage() (*Message, error) {
	for {
		csid, format, err := cr.readBasicHeader()
		if err != nil {
			return nil, err
		}

		state, exists := cr.streams[csid]
		if !exists {
			// Formats 0 and 1 both carry the message length and type id; a
			// format 1 chunk on a new csid starts from zeroed state, so it
			// inherits stream id 0 and a timestamp base of 0.
			if format != ChunkFormat0 && format != ChunkFormat1 {
				return nil, apperrors.New(apperrors.ErrCodeBadChunk, "rtmp: first chunk on a new csid must use format 0 or 1")
			}
			if len(cr.streams) >= cr.maxStreams {
				return nil, apperrors.New(apperrors.ErrCodeBadChunk, "rtmp: too many concurrently tracked chunk streams")
			}
			state = &chunkStreamState{}
			cr.streams[csid] = state
		}

		startingNewMessage := len(state.partialPayload) == 0

		if err := cr.readMessageHeader(state, format, startingNewMessage); err != nil {
			return nil, err
		}

		toRead := state.expectedLength - uint32(len(state.partialPayload))
		if toRead > cr.chunkSize {
			toRead = cr.chunkSize
		}

		chunkData := make([]byte, toRead)
		if _, err := io.ReadFull(cr.r, chunkData); err != nil {
			return nil, wrapIOError(err)
		}
		state.partialPayload = append(state.partialPayload, chunkData...)

		if uint32(len(state.partialPayload)) < state.expectedLength {
			continue
		}

		payload := state.partialPayload
		state.partialPayload = nil

		msg := &Message{
			ChunkStreamID:   csid,
			Timestamp:       state.lastTimestamp,
			MessageTypeID:   state.lastTypeID,
			MessageStreamID: state.lastStreamID,
			Payload:         payload,
		}

		handled, err := cr.applyControlEffect(msg)
		if err != nil {
			return nil, err
		}
		if handled {
			continue
		}
		return msg, nil
	}
}

// applyControlEffect intercepts Set Chunk Size and Abort, which are
// meaningful only to this reader's own state.
func (cr *ChunkReader) applyControlEffect(msg *Message) (bool, error) {
	switch msg.MessageTypeID {
	case MessageTypeSetChunkSize:
		if len(msg.Payload) < 4 {
			return true, apperrors.New(apperrors.ErrCodeBadChunkSize, "rtmp: truncated set-chunk-size payload")
		}
		value := binary.BigEndian.Uint32(msg.Payload[:4])
		if value&0x80000000 != 0 || value == 0 || value > MaxChunkSize {
			return true, apperrors.New(apperrors.ErrCodeBadChunkSize, "rtmp: set-chunk-size value out of range")
		}
		cr.chunkSize = value
		return true, nil
	case MessageTypeAbort:
		if len(msg.Payload) < 4 {
			return true, apperrors.New(apperrors.ErrCodeBadChunk, "rtmp: truncated abort payload")
		}
		csid := binary.BigEndian.Uint32(msg.Payload[:4])
		if state, ok := cr.streams[csid]; ok {
			state.partialPayload = nil
			state.expectedLength = 0
		}
		return true, nil
	default:
		return false, nil
	}
}

func (cr *ChunkReader) readBasicHeader() (uint32, byte, error) {
	first, err := cr.readByte()
	if err != nil {
		return 0, 0, err
	}

	format := (first >> 6) & 0x03
	csidField := uint32(first & 0x3F)

	switch csidField {
	case 0:
		b, err := cr.readByte()
		if err != nil {
			return 0, 0, err
		}
		return uint32(b) + 64, format, nil
	case 1:
		buf := make([]byte, 2)
		if _, err := io.ReadFull(cr.r, buf); err != nil {
			return 0, 0, wrapIOError(err)
		}
		return uint32(buf[0]) + uint32(buf[1])*256 + 64, format, nil
	default:
		return csidField, format, nil
	}
}

func (cr *ChunkReader) readMessageHeader(state *chunkStreamState, format byte, startingNewMessage bool) error {
	switch format {
	case ChunkFormat0:
		buf := make([]byte, 11)
		if _, err := io.ReadFull(cr.r, buf); err != nil {
			return wrapIOError(err)
		}
		ts := be24(buf[0:3])
		state.lastMessageLength = be24(buf[3:6])
		state.lastTypeID = buf[6]
		state.lastStreamID = binary.LittleEndian.Uint32(buf[7:11])
		state.lastTimestampDelta = 0

		ts, extended, err := cr.resolveTimestamp(ts)
		if err != nil {
			return err
		}
		state.lastTimestamp = ts
		state.usesExtendedTS = extended
		state.expectedLength = state.lastMessageLength
		state.partialPayload = state.partialPayload[:0]

	case ChunkFormat1:
		buf := make([]byte, 7)
		if _, err := io.ReadFull(cr.r, buf); err != nil {
			return wrapIOError(err)
		}
		delta := be24(buf[0:3])
		state.lastMessageLength = be24(buf[3:6])
		state.lastTypeID = buf[6]

		delta, extended, err := cr.resolveTimestamp(delta)
		if err != nil {
			return err
		}
		state.lastTimestampDelta = delta
		state.lastTimestamp += delta
		state.usesExtendedTS = extended
		state.expectedLength = state.lastMessageLength
		state.partialPayload = state.partialPayload[:0]

	case ChunkFormat2:
		buf := make([]byte, 3)
		if _, err := io.ReadFull(cr.r, buf); err != nil {
			return wrapIOError(err)
		}
		delta := be24(buf[0:3])

		delta, extended, err := cr.resolveTimestamp(delta)
		if err != nil {
			return err
		}
		state.lastTimestampDelta = delta
		state.lastTimestamp += delta
		state.usesExtendedTS = extended
		state.expectedLength = state.lastMessageLength
		state.partialPayload = state.partialPayload[:0]

	case ChunkFormat3:
		if state.usesExtendedTS {
			ext, err := cr.readExtendedTimestamp()
			if err != nil {
				return err
			}
			if startingNewMessage && state.lastTimestampDelta != 0 {
				state.lastTimestamp = ext
			}
		} else if startingNewMessage && state.lastTimestampDelta != 0 {
			// Reapply the last-seen delta only when this chunk begins a
			// new message, step 3 fmt-3 rule.
			state.lastTimestamp += state.lastTimestampDelta
		}
		state.expectedLength = state.lastMessageLength
		if startingNewMessage {
			state.partialPayload = state.partialPayload[:0]
		}
	}

	return nil
}

// resolveTimestamp reads the trailing 4-byte extended timestamp when the
// 24-bit field is the 0xFFFFFF sentinel.
func (cr *ChunkReader) resolveTimestamp(field uint32) (uint32, bool, error) {
	if field != extendedTimestampMarker {
		return field, false, nil
	}
	ext, err := cr.readExtendedTimestamp()
	if err != nil {
		return 0, false, err
	}
	return ext, true, nil
}

func (cr *ChunkReader) readExtendedTimestamp() (uint32, error) {
	var ext uint32
	if err := binary.Read(cr.r, binary.BigEndian, &ext); err != nil {
		return 0, wrapIOError(err)
	}
	return ext, nil
}

func (cr *ChunkReader) readByte() (byte, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(cr.r, buf); err != nil {
		return 0, wrapIOError(err)
	}
	return buf[0], nil
}

func be24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func wrapIOError(err error) error {
	if err == io.EOF {
		return err
	}
	return apperrors.Wrap(apperrors.ErrCodeNetworkError, "rtmp: transport read failed", err)
}

// ChunkWriter fragments outbound RTMP messages into chunks. Each call to
// WriteMessage writes all fragments of its message consecutively before
// returning. ChunkWriter does no locking, so messages stay unbroken only
// while a single goroutine writes through it.
type ChunkWriter struct {
	w         io.Writer
	chunkSize uint32
}

// NewChunkWriter creates a chunk writer with the default outbound
// chunk size.
func NewChunkWriter(w io.Writer) *ChunkWriter {
	return &ChunkWriter{w: w, chunkSize: DefaultOutboundChunkSize}
}

// SetChunkSize changes the outbound chunk size used by subsequent writes.
func (cw *ChunkWriter) SetChunkSize(size uint32) {
	cw.chunkSize = size
}

// WriteMessage fragments and writes msg: fmt 0 on the first chunk, fmt 3
// on every continuation, all on msg.ChunkStreamID.
func (cw *ChunkWriter) WriteMessage(msg *Message) error {
	payloadLen := uint32(len(msg.Payload))
	offset := uint32(0)
	first := true

	for {
		if err := cw.writeBasicHeader(msg.ChunkStreamID, first); err != nil {
			return err
		}
		if first {
			if err := cw.writeType0Header(msg); err != nil {
				return err
			}
			first = false
		} else if msg.Timestamp >= extendedTimestampMarker {
			if err := binary.Write(cw.w, binary.BigEndian, msg.Timestamp); err != nil {
				return err
			}
		}

		toWrite := payloadLen - offset
		if toWrite > cw.chunkSize {
			toWrite = cw.chunkSize
		}
		if toWrite > 0 {
			if _, err := cw.w.Write(msg.Payload[offset : offset+toWrite]); err != nil {
				return err
			}
			offset += toWrite
		}

		if offset >= payloadLen {
			return nil
		}
	}
}

func (cw *ChunkWriter) writeBasicHeader(csid uint32, first bool) error {
	format := ChunkFormat3
	if first {
		format = ChunkFormat0
	}

	switch {
	case csid < 64:
		return cw.writeByte(byte(format<<6) | byte(csid))
	case csid < 64+256:
		if err := cw.writeByte(byte(format << 6)); err != nil {
			return err
		}
		return cw.writeByte(byte(csid - 64))
	default:
		if err := cw.writeByte(byte(format<<6) | 1); err != nil {
			return err
		}
		rel := csid - 64
		return binary.Write(cw.w, binary.LittleEndian, uint16(rel))
	}
}

func (cw *ChunkWriter) writeType0Header(msg *Message) error {
	buf := make([]byte, 11)

	ts := msg.Timestamp
	if ts >= extendedTimestampMarker {
		ts = extendedTimestampMarker
	}
	buf[0], buf[1], buf[2] = byte(ts>>16), byte(ts>>8), byte(ts)

	msgLen := uint32(len(msg.Payload))
	buf[3], buf[4], buf[5] = byte(msgLen>>16), byte(msgLen>>8), byte(msgLen)

	buf[6] = msg.MessageTypeID
	binary.LittleEndian.PutUint32(buf[7:11], msg.MessageStreamID)

	if _, err := cw.w.Write(buf); err != nil {
		return err
	}

	if msg.Timestamp >= extendedTimestampMarker {
		return binary.Write(cw.w, binary.BigEndian, msg.Timestamp)
	}
	return nil
}

func (cw *ChunkWriter) writeByte(b byte) error {
	_, err := cw.w.Write([]byte{b})
	return err
}

// WriteControlMessage writes a protocol control message (type ids 1-6),
// which MUST be emitted on csid 2, stream_id 0.
func (cw *ChunkWriter) WriteControlMessage(typeID uint8, payload []byte) error {
	return cw.WriteMessage(&Message{
		ChunkStreamID:   ChunkStreamIDProtocolControl,
		MessageTypeID:   typeID,
		MessageStreamID: 0,
		Payload:         payload,
	})
}

// WriteCommandMessage writes a Command AMF0 message on the command csid.
func (cw *ChunkWriter) WriteCommandMessage(streamID uint32, payload []byte) error {
	return cw.WriteMessage(&Message{
		ChunkStreamID:   ChunkStreamIDCommand,
		MessageTypeID:   MessageTypeCommandAMF0,
		MessageStreamID: streamID,
		Payload:         payload,
	})
}

// WriteSetChunkSize writes a Set Chunk Size control message and updates
// this writer's own chunk size to match.
func (cw *ChunkWriter) WriteSetChunkSize(size uint32) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, size)
	if err := cw.WriteControlMessage(MessageTypeSetChunkSize, payload); err != nil {
		return err
	}
	cw.chunkSize = size
	return nil
}

// WriteWindowAckSize writes a Window Acknowledgement Size control message.
func (cw *ChunkWriter) WriteWindowAckSize(size uint32) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, size)
	return cw.WriteControlMessage(MessageTypeWindowAckSize, payload)
}

// WriteSetPeerBandwidth writes a Set Peer Bandwidth control message.
func (cw *ChunkWriter) WriteSetPeerBandwidth(size uint32, limitType byte) error {
	payload := make([]byte, 5)
	binary.BigEndian.PutUint32(payload[0:4], size)
	payload[4] = limitType
	return cw.WriteControlMessage(MessageTypeSetPeerBandwidth, payload)
}

// WriteAcknowledgement writes an Acknowledgement control message carrying
// the cumulative byte count consumed from the peer.
func (cw *ChunkWriter) WriteAcknowledgement(sequenceNumber uint32) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, sequenceNumber)
	return cw.WriteControlMessage(MessageTypeAcknowledgement, payload)
}

// WriteUserControlStreamBegin writes a User Control StreamBegin event for
// the given message stream id.
func (cw *ChunkWriter) WriteUserControlStreamBegin(streamID uint32) error {
	payload := make([]byte, 6)
	binary.BigEndian.PutUint16(payload[0:2], UserControlEventStreamBegin)
	binary.BigEndian.PutUint32(payload[2:6], streamID)
	return cw.WriteControlMessage(MessageTypeUserControl, payload)
}
