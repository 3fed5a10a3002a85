package model

// MessageKind distinguishes frames from race events on a twin channel.
type MessageKind int

const (
	MessageFrame MessageKind = iota + 1
	MessageEvent
)

func (k MessageKind) String() string {
	switch k {
	case MessageFrame:
		return "frame"
	case MessageEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Message is one ordered item on a twin's channel. Every message of a cycle
// shares the cycle number; the final one has Last set. Epoch changes whenever
// the ingestor installs a new source.
type Message struct {
	Cycle uint64
	Epoch uint64
	Kind  MessageKind
	Frame NormalizedFrame
	Event RaceEvent
	Last  bool
}

// FrameMessage wraps a frame.
func FrameMessage(cycle uint64, f NormalizedFrame, last bool) Message {
	return Message{Cycle: cycle, Kind: MessageFrame, Frame: f, Last: last}
}

// EventMessage wraps a race event.
func EventMessage(cycle uint64, e RaceEvent, last bool) Message {
	return Message{Cycle: cycle, Kind: MessageEvent, Event: e, Last: last}
}

// CycleMessages lays out a frame followed by its derived events, marking the
// final message.
func CycleMessages(cycle uint64, f NormalizedFrame, events []RaceEvent) []Message {
	out := make([]Message, 0, 1+len(events))
	out = append(out, FrameMessage(cycle, f, len(events) == 0))
	for i, e := range events {
		out = append(out, EventMessage(cycle, e, i == len(events)-1))
	}
	return out
}
