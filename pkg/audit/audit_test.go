package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestObjectKeyIsStableAndOrdered(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	ev1 := Event{Kind: EventPublishStarted, SessionID: "sess-1", OccurredAt: t1}
	ev2 := Event{Kind: EventPublishEnded, SessionID: "sess-1", OccurredAt: t2}

	key1 := objectKey(ev1)
	key2 := objectKey(ev2)

	assert.Contains(t, key1, "sessions/sess-1/")
	assert.Contains(t, key1, string(EventPublishStarted))
	assert.NotEqual(t, key1, key2)
	assert.Less(t, key1, key2, "keys for the same session should sort chronologically")
}

func TestObjectKeySeparatesSessions(t *testing.T) {
	now := time.Now()
	a := objectKey(Event{Kind: EventPublishStarted, SessionID: "sess-a", OccurredAt: now})
	b := objectKey(Event{Kind: EventPublishStarted, SessionID: "sess-b", OccurredAt: now})
	assert.NotEqual(t, a, b)
}
