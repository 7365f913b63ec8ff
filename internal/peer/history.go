package peer

import (
	"errors"
	"sync"
	"time"

	"github.com/go-leech/leech/internal/protocol"
)

// Event is one wire message sent or received on a connection, kept for
// diagnostics (e.g. a future `leech --trace` dump).
type Event struct {
	Timestamp   time.Time
	Direction   string
	MessageID   protocol.MessageID
	PieceIndex  *uint32
	BlockOffset *uint32
	PayloadSize int
}

const (
	directionSent     = "sent"
	directionReceived = "received"
)

// messageHistoryBuffer is a fixed-capacity ring buffer of the most recent
// wire events for one peer connection.
type messageHistoryBuffer struct {
	buf      []*Event
	mut      sync.RWMutex
	capacity int
	size     int
	writePos int
	readPos  int
}

func newMessageHistoryBuffer(capacity int) *messageHistoryBuffer {
	if capacity <= 0 {
		panic("capacity must be positive")
	}

	return &messageHistoryBuffer{
		buf:      make([]*Event, capacity),
		capacity: capacity,
	}
}

func (mh *messageHistoryBuffer) Add(event *Event) {
	mh.mut.Lock()
	defer mh.mut.Unlock()

	mh.buf[mh.writePos] = event
	mh.writePos = (mh.writePos + 1) % mh.capacity

	if mh.size < mh.capacity {
		mh.size++
	} else {
		mh.readPos = (mh.readPos + 1) % mh.capacity
	}
}

// Get returns up to batchSize events, oldest first.
func (mh *messageHistoryBuffer) Get(batchSize int) ([]*Event, error) {
	mh.mut.RLock()
	defer mh.mut.RUnlock()

	if mh.size == 0 {
		return nil, errors.New("peer: message history is empty")
	}

	actualBatchSize := min(mh.size, batchSize)
	events := make([]*Event, actualBatchSize)
	pos := mh.readPos

	for i := 0; i < actualBatchSize; i++ {
		events[i] = mh.buf[pos]
		pos = (pos + 1) % mh.capacity
	}

	return events, nil
}

func eventFromMessage(direction string, msg *protocol.Message) *Event {
	ev := &Event{Timestamp: time.Now(), Direction: direction}

	if msg == nil {
		return ev
	}
	ev.MessageID = msg.ID
	ev.PayloadSize = len(msg.Payload)

	switch msg.ID {
	case protocol.Have:
		if index, ok := msg.ParseHave(); ok {
			ev.PieceIndex = &index
		}
	case protocol.Request, protocol.Cancel:
		if index, begin, _, ok := msg.ParseRequest(); ok {
			ev.PieceIndex, ev.BlockOffset = &index, &begin
		}
	case protocol.Piece:
		if index, begin, _, ok := msg.ParsePiece(); ok {
			ev.PieceIndex, ev.BlockOffset = &index, &begin
		}
	}

	return ev
}
