package schema

// SchemaVersion is the current event schema version.
const SchemaVersion uint16 = 1

// EventType defines the category of a sequenced event.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventOrderAccepted
	EventOrderRested
	EventTrade
	EventBookDelta
	EventOrderCancelled
	EventOrderRejected
	EventOrderReduced
	EventInstrumentHalted

	// EventGap is never sequenced; the bus injects it into a subscriber queue after evicting events.
	EventGap
)

const MaxEventType = EventGap

var eventTypeNames = [...]string{
	EventUnknown:          "unknown",
	EventOrderAccepted:    "order_accepted",
	EventOrderRested:      "order_rested",
	EventTrade:            "trade",
	EventBookDelta:        "book_delta",
	EventOrderCancelled:   "order_cancelled",
	EventOrderRejected:    "order_rejected",
	EventOrderReduced:     "order_reduced",
	EventInstrumentHalted: "instrument_halted",
	EventGap:              "gap",
}

func (t EventType) String() string {
	if int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return "unknown"
}

// EventHeader is the common metadata attached to every event.
type EventHeader struct {
	Type    EventType
	Version uint16
	Source  uint16
	Flags   uint16
	Seq     uint64
	TsEvent int64
	TsRecv  int64
	TraceID uint64
}

// NewHeader builds a header with the current schema version.
func NewHeader(eventType EventType, source uint16, seq uint64, tsEvent, tsRecv int64) EventHeader {
	return EventHeader{
		Type:    eventType,
		Version: SchemaVersion,
		Source:  source,
		Seq:     seq,
		TsEvent: tsEvent,
		TsRecv:  tsRecv,
	}
}

// Payload is implemented by every event body.
type Payload interface {
	EventType() EventType
}
