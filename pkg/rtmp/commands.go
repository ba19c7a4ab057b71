package rtmp

import (
	"bytes"

	apperrors "github.com/aminofox/rtmpingest/pkg/errors"
	"github.com/aminofox/rtmpingest/pkg/logger"
)

const (
	fmsVersion        = "FMS/3,0,1,123"
	fmsCapabilities    = 31
	connectSuccessMsg = "Connection succeeded."
)

// dispatchCommand decodes a Command AMF0 payload and routes it through
// the state machine. AMF decode failure inside a command
// payload is always fatal.
func (s *Session) dispatchCommand(msg *Message) (fatal bool, err error) {
	values, decErr := NewDecoder(bytes.NewReader(msg.Payload)).DecodeAll()
	if decErr != nil {
		return true, apperrors.Wrap(apperrors.ErrCodeAmfDecode, "rtmp: failed to decode command payload", decErr)
	}
	if len(values) == 0 || values[0].Type != TypeString {
		return true, apperrors.New(apperrors.ErrCodeProtocolError, "rtmp: command message missing command name")
	}

	name := values[0].AsString()
	var txID float64
	if len(values) > 1 {
		txID = values[1].AsNumber()
	}

	switch s.state {
	case StateConnecting:
		if name != "connect" {
			return true, apperrors.New(apperrors.ErrCodeProtocolError, "rtmp: expected connect as the first command")
		}
		return s.handleConnect(txID, values, msg.MessageStreamID)

	case StateConnected, StatePublishing:
		switch name {
		case "releaseStream", "FCPublish":
			return s.handleAckOnly(txID, msg.MessageStreamID)
		case "createStream":
			return s.handleCreateStream(txID, msg.MessageStreamID)
		case "publish":
			return s.handlePublish(txID, values, msg.MessageStreamID)
		case "FCUnpublish", "deleteStream":
			return s.handleUnpublish(txID, msg.MessageStreamID)
		default:
			s.log.Warn("rtmp: unknown command", logger.String("command", name))
			return false, s.writeError(txID, msg.MessageStreamID, "NetConnection.Call.Failed", "unknown command: "+name)
		}

	default:
		return true, apperrors.New(apperrors.ErrCodeProtocolError, "rtmp: command received in an unexpected state")
	}
}

// handleConnect implements the `connect` leg of the command state machine.
func (s *Session) handleConnect(txID float64, values []Value, streamID uint32) (bool, error) {
	if len(values) > 2 && values[2].Type == TypeObject {
		if appVal, ok := values[2].AsObject().Get("app"); ok {
			s.app = appVal.AsString()
		}
	}

	if err := s.writer.WriteWindowAckSize(s.cfg.WindowAckSize); err != nil {
		return true, apperrors.Wrap(apperrors.ErrCodeNetworkError, "rtmp: failed to send window ack size", err)
	}
	if err := s.writer.WriteSetPeerBandwidth(s.cfg.PeerBandwidth, PeerBandwidthLimitDynamic); err != nil {
		return true, apperrors.Wrap(apperrors.ErrCodeNetworkError, "rtmp: failed to send set peer bandwidth", err)
	}

	properties := NewObjectValue(
		Pair{Key: "fmsVer", Value: Str(fmsVersion)},
		Pair{Key: "capabilities", Value: Num(fmsCapabilities)},
	)
	info := NewObjectValue(
		Pair{Key: "level", Value: Str("status")},
		Pair{Key: "code", Value: Str("NetConnection.Connect.Success")},
		Pair{Key: "description", Value: Str(connectSuccessMsg)},
		Pair{Key: "objectEncoding", Value: Num(0)},
	)

	if err := s.writeResult(txID, streamID, Obj(properties), Obj(info)); err != nil {
		return true, err
	}

	s.state = StateConnected
	return false, nil
}

// handleAckOnly replies _result with no meaningful payload, used for
// releaseStream/FCPublish.
func (s *Session) handleAckOnly(txID float64, streamID uint32) (bool, error) {
	if err := s.writeResult(txID, streamID, Null()); err != nil {
		return true, err
	}
	return false, nil
}

// handleCreateStream allocates a monotonically increasing stream id,
// starting at 1.
func (s *Session) handleCreateStream(txID float64, streamID uint32) (bool, error) {
	s.nextStreamID++
	newID := s.nextStreamID

	if err := s.writeResult(txID, streamID, Null(), Num(float64(newID))); err != nil {
		return true, err
	}
	return false, nil
}

// handlePublish captures the stream key/type, offers the publish to the
// sink, and on acceptance emits StreamBegin then onStatus Publish.Start.
// Rejection by the sink is SinkUnavailable: non-fatal, the session stays
// Connected.
func (s *Session) handlePublish(txID float64, values []Value, streamID uint32) (bool, error) {
	if s.state != StateConnected {
		return true, apperrors.New(apperrors.ErrCodeProtocolError, "rtmp: publish received outside Connected state")
	}

	var streamKey string
	var publishType = PublishTypeLive
	if len(values) > 3 {
		streamKey = values[3].AsString()
	}
	if len(values) > 4 {
		publishType = PublishType(values[4].AsString())
	}

	if err := s.sink.PublishStarted(streamKey, s.metadataPending); err != nil {
		info := NewObjectValue(
			Pair{Key: "level", Value: Str("error")},
			Pair{Key: "code", Value: Str("NetStream.Publish.BadName")},
			Pair{Key: "description", Value: Str("stream unavailable: " + streamKey)},
		)
		if werr := s.writeOnStatus(txID, streamID, info); werr != nil {
			return true, werr
		}
		return false, nil
	}

	s.streamKey = streamKey
	s.publishType = publishType
	s.activeStream = streamID

	if err := s.writer.WriteUserControlStreamBegin(streamID); err != nil {
		return true, apperrors.Wrap(apperrors.ErrCodeNetworkError, "rtmp: failed to send StreamBegin", err)
	}

	info := NewObjectValue(
		Pair{Key: "level", Value: Str("status")},
		Pair{Key: "code", Value: Str("NetStream.Publish.Start")},
		Pair{Key: "description", Value: Str("Publishing stream " + streamKey)},
	)
	if err := s.writeOnStatus(txID, streamID, info); err != nil {
		return true, err
	}

	s.state = StatePublishing
	return false, nil
}

// handleUnpublish implements the documented resolution: FCUnpublish and
// deleteStream return the session to Connected and notify the sink,
// rather than closing the connection.
func (s *Session) handleUnpublish(txID float64, streamID uint32) (bool, error) {
	if s.streamKey != "" {
		s.sink.PublishEnded(s.streamKey)
		s.streamKey = ""
		s.state = StateConnected
	}
	if err := s.writeResult(txID, streamID, Null()); err != nil {
		return true, err
	}
	return false, nil
}

func (s *Session) writeResult(txID float64, streamID uint32, args ...Value) error {
	return s.writeCommand(streamID, append([]Value{Str("_result"), Num(txID)}, args...)...)
}

func (s *Session) writeOnStatus(txID float64, streamID uint32, info *ObjectValue) error {
	return s.writeCommand(streamID, Str("onStatus"), Num(txID), Null(), Obj(info))
}

func (s *Session) writeError(txID float64, streamID uint32, code, description string) error {
	info := NewObjectValue(
		Pair{Key: "level", Value: Str("error")},
		Pair{Key: "code", Value: Str(code)},
		Pair{Key: "description", Value: Str(description)},
	)
	return s.writeCommand(streamID, Str("_error"), Num(txID), Null(), Obj(info))
}

func (s *Session) writeCommand(streamID uint32, values ...Value) error {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeValues(values...); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeAmfDecode, "rtmp: failed to encode command reply", err)
	}
	if err := s.writer.WriteCommandMessage(streamID, buf.Bytes()); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeNetworkError, "rtmp: failed to write command reply", err)
	}
	return nil
}
