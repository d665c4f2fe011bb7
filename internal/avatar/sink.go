package avatar

import "sync/atomic"

// EventSink receives raw stream_info frames. Publish must not block.
type EventSink interface {
	Publish(frame string)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(frame string)

func (f SinkFunc) Publish(frame string) { f(frame) }

type nopSink struct{}

func (nopSink) Publish(string) {}

// ChannelSink is a buffered, non-blocking EventSink. When the buffer is full
// the oldest frame is discarded so the newest stream descriptor always lands.
type ChannelSink struct {
	events  chan string
	dropped atomic.Int64
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 8
	}
	return &ChannelSink{events: make(chan string, buffer)}
}

func (s *ChannelSink) Publish(frame string) {
	for {
		select {
		case s.events <- frame:
			return
		default:
		}
		select {
		case <-s.events:
			s.dropped.Add(1)
		default:
		}
	}
}

// Events is consumed by the shell on its own schedule.
func (s *ChannelSink) Events() <-chan string { return s.events }

// Dropped counts frames discarded because nobody was reading.
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }
