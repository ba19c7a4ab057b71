package rtmp

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aminofox/rtmpingest/pkg/logger"
)

// recordingSink captures every Sink call for assertions; it never
// rejects a publish.
type recordingSink struct {
	mu            sync.Mutex
	started       []string
	ended         []string
	videoFrames   [][]byte
	publishedDone chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{publishedDone: make(chan struct{}, 1)}
}

func (s *recordingSink) PublishStarted(streamKey string, metadata *ObjectValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, streamKey)
	return nil
}

func (s *recordingSink) Audio(streamKey string, timestamp uint32, payload []byte) {}

func (s *recordingSink) Video(streamKey string, timestamp uint32, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoFrames = append(s.videoFrames, append([]byte(nil), payload...))
}

func (s *recordingSink) PublishEnded(streamKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, streamKey)
	select {
	case s.publishedDone <- struct{}{}:
	default:
	}
}

func testLogger() logger.Logger {
	l := logger.NewDefaultLogger(logger.ErrorLevel, "json")
	l.SetOutput(io.Discard)
	return l
}

// TestSessionConnectCreateStreamPublishFlow drives a Session through
// handshake, connect, createStream and publish, and checks the exact
// reply ordering before any audio/video reaches the sink.
func TestSessionConnectCreateStreamPublishFlow(t *testing.T) {
	toServer, fromClient := io.Pipe()
	toClient, fromServer := io.Pipe()
	serverConn := &duplexConn{r: toServer, w: fromServer}

	sink := newRecordingSink()
	cfg := DefaultSessionConfig()
	cfg.IdleTimeout = 0
	session := NewSession(cfg, sink, testLogger())

	sessionErr := make(chan error, 1)
	go func() { sessionErr <- session.Run(serverConn) }()

	clientDone := make(chan struct{})
	go runClient(t, fromClient, toClient, clientDone)

	select {
	case <-clientDone:
	case <-time.After(5 * time.Second):
		t.Fatal("client scenario timed out")
	}

	fromClient.Close()

	select {
	case <-sink.publishedDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for publish_ended")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.started) != 1 || sink.started[0] != "mystream" {
		t.Fatalf("expected one publish_started for 'mystream', got %v", sink.started)
	}
	if len(sink.videoFrames) != 1 || !bytes.Equal(sink.videoFrames[0], []byte("framedata")) {
		t.Fatalf("expected one video frame 'framedata', got %v", sink.videoFrames)
	}
	if len(sink.ended) != 1 {
		t.Fatalf("expected one publish_ended, got %v", sink.ended)
	}
}

func runClient(t *testing.T, w io.Writer, r io.Reader, done chan struct{}) {
	defer close(done)

	if err := clientHandshake(w, r); err != nil {
		t.Errorf("client handshake failed: %v", err)
		return
	}

	cw := NewChunkWriter(w)
	cr := NewChunkReader(r)

	connectObj := NewObjectValue(
		Pair{Key: "app", Value: Str("live")},
		Pair{Key: "type", Value: Str("nonprivate")},
		Pair{Key: "tcUrl", Value: Str("rtmp://localhost/live")},
	)

	// The session writes its own Set Chunk Size right after the handshake
	// and io.Pipe writes block until the other side reads, so the client's
	// opening writes run on their own goroutine while this one reads.
	opening := make(chan error, 1)
	go func() {
		if err := cw.WriteSetChunkSize(4096); err != nil {
			opening <- err
			return
		}
		opening <- sendCommand(cw, 0, Str("connect"), Num(1), Obj(connectObj))
	}()

	// Window Ack Size
	if msg, err := cr.ReadMessage(); err != nil || msg.MessageTypeID != MessageTypeWindowAckSize {
		t.Errorf("expected Window Ack Size, got %+v err=%v", msg, err)
		return
	}
	// Set Peer Bandwidth
	if msg, err := cr.ReadMessage(); err != nil || msg.MessageTypeID != MessageTypeSetPeerBandwidth {
		t.Errorf("expected Set Peer Bandwidth, got %+v err=%v", msg, err)
		return
	}
	// _result for connect
	connectResult, err := cr.ReadMessage()
	if err != nil || connectResult.MessageTypeID != MessageTypeCommandAMF0 {
		t.Errorf("expected _result for connect, got %+v err=%v", connectResult, err)
		return
	}
	if values, err := NewDecoder(bytes.NewReader(connectResult.Payload)).DecodeAll(); err != nil || values[0].AsString() != "_result" {
		t.Errorf("expected _result command name, got %v err=%v", values, err)
		return
	}
	if err := <-opening; err != nil {
		t.Errorf("send Set Chunk Size/connect failed: %v", err)
		return
	}

	if err := sendCommand(cw, 0, Str("createStream"), Num(4), Null()); err != nil {
		t.Errorf("send createStream failed: %v", err)
		return
	}
	createResult, err := cr.ReadMessage()
	if err != nil {
		t.Errorf("read createStream result failed: %v", err)
		return
	}
	values, err := NewDecoder(bytes.NewReader(createResult.Payload)).DecodeAll()
	if err != nil || len(values) != 4 || values[0].AsString() != "_result" || values[3].AsNumber() != 1 {
		t.Errorf("unexpected createStream result: %v err=%v", values, err)
		return
	}
	streamID := uint32(values[3].AsNumber())

	if err := sendCommandOnStream(cw, streamID, Str("publish"), Num(5), Null(), Str("mystream"), Str("live")); err != nil {
		t.Errorf("send publish failed: %v", err)
		return
	}

	// User Control StreamBegin
	beginMsg, err := cr.ReadMessage()
	if err != nil || beginMsg.MessageTypeID != MessageTypeUserControl {
		t.Errorf("expected User Control StreamBegin, got %+v err=%v", beginMsg, err)
		return
	}
	eventType := binary.BigEndian.Uint16(beginMsg.Payload[0:2])
	if eventType != UserControlEventStreamBegin {
		t.Errorf("expected StreamBegin event, got %d", eventType)
		return
	}

	// onStatus NetStream.Publish.Start
	statusMsg, err := cr.ReadMessage()
	if err != nil {
		t.Errorf("read onStatus failed: %v", err)
		return
	}
	statusValues, err := NewDecoder(bytes.NewReader(statusMsg.Payload)).DecodeAll()
	if err != nil || statusValues[0].AsString() != "onStatus" {
		t.Errorf("expected onStatus, got %v err=%v", statusValues, err)
		return
	}

	// Now push a video frame and let the session tear down via EOF.
	if err := cw.WriteMessage(&Message{
		ChunkStreamID:   ChunkStreamIDVideo,
		MessageTypeID:   MessageTypeVideo,
		MessageStreamID: streamID,
		Payload:         []byte("framedata"),
	}); err != nil {
		t.Errorf("write video frame failed: %v", err)
		return
	}
}

func clientHandshake(w io.Writer, r io.Reader) error {
	if _, err := w.Write(append([]byte{Version}, bytes.Repeat([]byte{0x11}, HandshakeSize)...)); err != nil {
		return err
	}
	s0 := make([]byte, 1)
	if _, err := io.ReadFull(r, s0); err != nil {
		return err
	}
	s1 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, s1); err != nil {
		return err
	}
	s2 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, s2); err != nil {
		return err
	}
	_, err := w.Write(s1)
	return err
}

func sendCommand(cw *ChunkWriter, streamID uint32, values ...Value) error {
	return sendCommandOnStream(cw, streamID, values...)
}

func sendCommandOnStream(cw *ChunkWriter, streamID uint32, values ...Value) error {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeValues(values...); err != nil {
		return err
	}
	return cw.WriteCommandMessage(streamID, buf.Bytes())
}
