package peer

import (
	"testing"

	"github.com/go-leech/leech/internal/protocol"
)

func TestMessageHistoryBuffer_GetOnEmptyErrors(t *testing.T) {
	mh := newMessageHistoryBuffer(4)
	if _, err := mh.Get(1); err == nil {
		t.Fatal("Get on an empty buffer should error")
	}
}

func TestMessageHistoryBuffer_ReturnsOldestFirstAndWraps(t *testing.T) {
	mh := newMessageHistoryBuffer(3)
	for i := uint32(0); i < 5; i++ {
		mh.Add(eventFromMessage(directionSent, protocol.MessageHave(i)))
	}

	got, err := mh.Get(10)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Get returned %d events, want 3 (ring capacity)", len(got))
	}

	// Capacity 3 holding 5 adds should keep only the last 3 (indices 2,3,4),
	// oldest first.
	for i, want := range []uint32{2, 3, 4} {
		if got[i].PieceIndex == nil || *got[i].PieceIndex != want {
			t.Fatalf("got[%d] piece index = %v, want %d", i, got[i].PieceIndex, want)
		}
	}
}

func TestEventFromMessage_ParsesRequestFields(t *testing.T) {
	ev := eventFromMessage(directionReceived, protocol.MessageRequest(1, 16384, 16384))
	if ev.MessageID != protocol.Request {
		t.Fatalf("MessageID = %v, want Request", ev.MessageID)
	}
	if ev.PieceIndex == nil || *ev.PieceIndex != 1 {
		t.Fatalf("PieceIndex = %v, want 1", ev.PieceIndex)
	}
	if ev.BlockOffset == nil || *ev.BlockOffset != 16384 {
		t.Fatalf("BlockOffset = %v, want 16384", ev.BlockOffset)
	}
}

func TestEventFromMessage_KeepAliveCarriesNoPayloadInfo(t *testing.T) {
	ev := eventFromMessage(directionSent, nil)
	if ev.PieceIndex != nil || ev.BlockOffset != nil {
		t.Fatal("keep-alive event should carry no piece index or block offset")
	}
	if ev.PayloadSize != 0 {
		t.Fatalf("keep-alive event PayloadSize = %d, want 0", ev.PayloadSize)
	}
	if ev.Direction != directionSent {
		t.Fatalf("Direction = %q, want %q", ev.Direction, directionSent)
	}
}
