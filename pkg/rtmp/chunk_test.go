package rtmp

import (
	"bytes"
	"testing"

	apperrors "github.com/aminofox/rtmpingest/pkg/errors"
)

// TestChunkAcknowledgementDecode is scenario S2.
func TestChunkAcknowledgementDecode(t *testing.T) {
	input := []byte{0x42, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04, 0x03, 0x00, 0x00, 0x0C, 0x23}
	reader := NewChunkReader(bytes.NewReader(input))

	msg, err := reader.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if msg.MessageTypeID != MessageTypeAcknowledgement {
		t.Fatalf("expected Acknowledgement type, got %d", msg.MessageTypeID)
	}
	if len(msg.Payload) != 4 {
		t.Fatalf("expected 4-byte payload, got %d", len(msg.Payload))
	}
	seq := uint32(msg.Payload[0])<<24 | uint32(msg.Payload[1])<<16 | uint32(msg.Payload[2])<<8 | uint32(msg.Payload[3])
	if seq != 3107 {
		t.Errorf("expected sequence number 3107, got %d", seq)
	}
}

// TestChunkedReassembly is scenario S5: a 500-byte message split across a
// fmt-0 chunk and three fmt-3 continuations with peer chunk size 128.
func TestChunkedReassembly(t *testing.T) {
	var buf bytes.Buffer

	writer := NewChunkWriter(&buf)
	writer.SetChunkSize(128)

	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i)
	}

	msg := &Message{
		ChunkStreamID:   ChunkStreamIDVideo,
		Timestamp:       12345,
		MessageTypeID:   MessageTypeVideo,
		MessageStreamID: 1,
		Payload:         payload,
	}
	if err := writer.WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	reader := NewChunkReader(&buf)
	reader.SetMaxChunkStreams(4)
	got, err := reader.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if len(got.Payload) != 500 {
		t.Fatalf("expected 500-byte payload, got %d", len(got.Payload))
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatal("payload mismatch after reassembly")
	}
	if got.Timestamp != 12345 {
		t.Errorf("expected timestamp 12345, got %d", got.Timestamp)
	}
}

func TestChunkMaxTrackedChunkStreams(t *testing.T) {
	var buf bytes.Buffer
	writer := NewChunkWriter(&buf)

	for csid := uint32(3); csid < 3+3; csid++ {
		if err := writer.WriteMessage(&Message{ChunkStreamID: csid, MessageTypeID: MessageTypeCommandAMF0, Payload: []byte("x")}); err != nil {
			t.Fatalf("WriteMessage failed: %v", err)
		}
	}

	reader := NewChunkReader(&buf)
	reader.SetMaxChunkStreams(2)

	if _, err := reader.ReadMessage(); err != nil {
		t.Fatalf("first message should succeed: %v", err)
	}
	if _, err := reader.ReadMessage(); err != nil {
		t.Fatalf("second message should succeed: %v", err)
	}
	if _, err := reader.ReadMessage(); !apperrors.IsErrorCode(err, apperrors.ErrCodeBadChunk) {
		t.Fatalf("expected BadChunk once the csid cap is exceeded, got %v", err)
	}
}

func TestChunkSetChunkSizeAppliesToNextChunk(t *testing.T) {
	var buf bytes.Buffer
	writer := NewChunkWriter(&buf)
	if err := writer.WriteSetChunkSize(4096); err != nil {
		t.Fatalf("WriteSetChunkSize failed: %v", err)
	}

	payload := bytes.Repeat([]byte{0xAB}, 200)
	if err := writer.WriteMessage(&Message{ChunkStreamID: ChunkStreamIDCommand, MessageTypeID: MessageTypeCommandAMF0, Payload: payload}); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	reader := NewChunkReader(&buf)
	msg, err := reader.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if reader.ChunkSize() != 4096 {
		t.Fatalf("expected chunk size 4096 after Set Chunk Size, got %d", reader.ChunkSize())
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatal("payload mismatch")
	}
}

func TestChunkSetChunkSizeRejectsHighBit(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x02) // fmt 0, csid 2
	buf.Write([]byte{0, 0, 0, 0, 0, 4, MessageTypeSetChunkSize, 0, 0, 0, 0})
	buf.Write([]byte{0x80, 0, 0, 0}) // high bit set

	reader := NewChunkReader(&buf)
	if _, err := reader.ReadMessage(); !apperrors.IsErrorCode(err, apperrors.ErrCodeBadChunkSize) {
		t.Fatalf("expected BadChunkSize, got %v", err)
	}
}

// TestChunkAbortIsANoOpForAnUnseenStreamAndDoesNotWedgeTheReader covers
// the Abort control message's effect: it is swallowed internally by the
// chunk reader (never surfaced as a Message) and leaves the reader able
// to decode whatever follows.
func TestChunkAbortIsANoOpForAnUnseenStreamAndDoesNotWedgeTheReader(t *testing.T) {
	var buf bytes.Buffer
	writer := NewChunkWriter(&buf)

	abortPayload := make([]byte, 4)
	abortPayload[3] = 6 // references csid 6, never seen before
	if err := writer.WriteControlMessage(MessageTypeAbort, abortPayload); err != nil {
		t.Fatalf("WriteControlMessage failed: %v", err)
	}

	want := []byte("hello")
	if err := writer.WriteMessage(&Message{ChunkStreamID: 6, MessageTypeID: MessageTypeVideo, Payload: want}); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	reader := NewChunkReader(&buf)
	reader.SetMaxChunkStreams(8)

	msg, err := reader.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if !bytes.Equal(msg.Payload, want) {
		t.Fatalf("expected payload %q, got %q", want, msg.Payload)
	}
}
