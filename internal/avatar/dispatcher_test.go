package avatar

import (
	"errors"
	"testing"
	"time"
)

type recordingSink struct {
	frames []string
}

func (s *recordingSink) Publish(frame string) { s.frames = append(s.frames, frame) }

func newOpenClient(t *testing.T, sink EventSink) *Client {
	t.Helper()
	c := New(Config{AppID: "app", VCN: "vcn", AvatarID: "anchor"}, sink, nil)
	c.state.Store(int32(StateOpen))
	return c
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		want      Outcome
		wantState State
		forwarded int
	}{
		{
			name:      "protocol error regardless of payload",
			raw:       `{"header":{"code":5,"message":"bad"},"payload":{"avatar":{"event_type":"stream_info"}}}`,
			want:      OutcomeProtocolError,
			wantState: StateFailed,
		},
		{
			name:      "protocol error with odd avatar fields",
			raw:       `{"header":{"code":5},"payload":{"avatar":{"event_type":"x","error_code":"E1"}}}`,
			want:      OutcomeProtocolError,
			wantState: StateFailed,
		},
		{
			name:      "protocol error with scalar payload",
			raw:       `{"header":{"code":5},"payload":"oops"}`,
			want:      OutcomeProtocolError,
			wantState: StateFailed,
		},
		{
			name:      "protocol error with array payload",
			raw:       `{"header":{"code":10163,"message":7},"payload":[1,2]}`,
			want:      OutcomeProtocolError,
			wantState: StateFailed,
		},
		{
			name:      "stream info with numeric cid links",
			raw:       `{"header":{"code":0},"payload":{"avatar":{"event_type":"stream_info","stream_url":"xrtcs://h/r","cid":7,"stream_extend":"none"}}}`,
			want:      OutcomeLinked,
			wantState: StateAvatarLinked,
			forwarded: 1,
		},
		{
			name:      "stop with string error code is ignored",
			raw:       `{"header":{"code":0},"payload":{"avatar":{"event_type":"stop","error_code":"0"}}}`,
			want:      OutcomeIgnored,
			wantState: StateOpen,
		},
		{
			name:      "scalar payload without error is ignored",
			raw:       `{"header":{"code":0},"payload":"oops"}`,
			want:      OutcomeIgnored,
			wantState: StateOpen,
		},
		{
			name:      "non numeric header code",
			raw:       `{"header":{"code":"bad"},"payload":{}}`,
			want:      OutcomeMalformed,
			wantState: StateOpen,
		},
		{
			name:      "stream info links",
			raw:       `{"header":{"code":0},"payload":{"avatar":{"event_type":"stream_info","stream_url":"xrtcs://h/r"}}}`,
			want:      OutcomeLinked,
			wantState: StateAvatarLinked,
			forwarded: 1,
		},
		{
			name:      "graceful stop is not fatal",
			raw:       `{"header":{"code":0},"payload":{"avatar":{"event_type":"stop","error_code":0}}}`,
			want:      OutcomeStreamStop,
			wantState: StateOpen,
		},
		{
			name:      "stop with error code is ignored",
			raw:       `{"header":{"code":0},"payload":{"avatar":{"event_type":"stop","error_code":7}}}`,
			want:      OutcomeIgnored,
			wantState: StateOpen,
		},
		{
			name:      "pong",
			raw:       `{"header":{"code":0},"payload":{"avatar":{"event_type":"pong"}}}`,
			want:      OutcomePong,
			wantState: StateOpen,
		},
		{
			name:      "unknown event",
			raw:       `{"header":{"code":0},"payload":{"avatar":{"event_type":"driver_status"}}}`,
			want:      OutcomeIgnored,
			wantState: StateOpen,
		},
		{
			name:      "no avatar payload",
			raw:       `{"header":{"code":0},"payload":{}}`,
			want:      OutcomeIgnored,
			wantState: StateOpen,
		},
		{
			name:      "malformed json",
			raw:       `{"header":`,
			want:      OutcomeMalformed,
			wantState: StateOpen,
		},
		{
			name:      "missing header",
			raw:       `{"payload":{"avatar":{"event_type":"stream_info"}}}`,
			want:      OutcomeMalformed,
			wantState: StateOpen,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sink := &recordingSink{}
			c := newOpenClient(t, sink)
			got := c.dispatch([]byte(tc.raw))
			if got != tc.want {
				t.Fatalf("dispatch() = %s, want %s", got, tc.want)
			}
			if c.State() != tc.wantState {
				t.Fatalf("State() = %s, want %s", c.State(), tc.wantState)
			}
			if len(sink.frames) != tc.forwarded {
				t.Fatalf("forwarded %d frames, want %d", len(sink.frames), tc.forwarded)
			}
			if tc.forwarded > 0 && sink.frames[0] != tc.raw {
				t.Fatalf("forwarded %q, want the raw frame %q", sink.frames[0], tc.raw)
			}
		})
	}
}

func TestDispatchProtocolErrorOnLinkedSession(t *testing.T) {
	sink := &recordingSink{}
	c := newOpenClient(t, sink)
	c.state.Store(int32(StateAvatarLinked))
	if got := c.dispatch([]byte(`{"header":{"code":5},"payload":{"avatar":{"event_type":"x","error_code":"E1"}}}`)); got != OutcomeProtocolError {
		t.Fatalf("dispatch() = %s, want protocol_error", got)
	}
	if c.State() != StateFailed {
		t.Fatalf("State() = %s, want failed", c.State())
	}
}

func TestDispatchMalformedThenValid(t *testing.T) {
	sink := &recordingSink{}
	c := newOpenClient(t, sink)
	if got := c.dispatch([]byte("not json")); got != OutcomeMalformed {
		t.Fatalf("dispatch(bad) = %s, want malformed", got)
	}
	if got := c.dispatch([]byte(`{"header":{"code":0},"payload":{"avatar":{"event_type":"stream_info"}}}`)); got != OutcomeLinked {
		t.Fatalf("dispatch(good) = %s, want linked", got)
	}
	if !c.Linked() {
		t.Fatalf("client not linked after valid stream_info")
	}
}

func TestDispatchAfterFailureIsIgnored(t *testing.T) {
	sink := &recordingSink{}
	c := newOpenClient(t, sink)
	c.dispatch([]byte(`{"header":{"code":10110}}`))
	if got := c.dispatch([]byte(`{"header":{"code":0},"payload":{"avatar":{"event_type":"stream_info"}}}`)); got != OutcomeIgnored {
		t.Fatalf("dispatch() after failure = %s, want ignored", got)
	}
	if c.State() != StateFailed || c.Running() {
		t.Fatalf("state = %s running = %v, want failed/false", c.State(), c.Running())
	}
	if len(sink.frames) != 0 {
		t.Fatalf("sink received %d frames after failure", len(sink.frames))
	}
}

func TestDispatchPongRecordsTime(t *testing.T) {
	c := newOpenClient(t, nil)
	before := time.Now()
	c.dispatch([]byte(`{"header":{"code":0},"payload":{"avatar":{"event_type":"pong"}}}`))
	snap := c.Snapshot()
	if snap.LastPongAt == nil || snap.LastPongAt.Before(before.Add(-time.Second)) {
		t.Fatalf("LastPongAt = %v, want recent", snap.LastPongAt)
	}
}

func TestEnqueueRejectedUntilLinked(t *testing.T) {
	c := New(Config{AppID: "app", VCN: "vcn", AvatarID: "anchor"}, nil, nil)
	for _, s := range []State{StateConnecting, StateOpen} {
		c.state.Store(int32(s))
		for i := 0; i < 3; i++ {
			if err := c.Enqueue("hello"); !errors.Is(err, ErrNotLinked) {
				t.Fatalf("Enqueue() in %s = %v, want ErrNotLinked", s, err)
			}
		}
	}
	if c.queue.len() != 0 {
		t.Fatalf("queue len = %d, want 0", c.queue.len())
	}
}

func TestEnqueueDropsOnOverflow(t *testing.T) {
	c := New(Config{AppID: "app", VCN: "vcn", AvatarID: "anchor", QueueCapacity: 2}, nil, nil)
	c.state.Store(int32(StateAvatarLinked))

	for i := 0; i < 2; i++ {
		if err := c.Enqueue("hello"); err != nil {
			t.Fatalf("Enqueue() #%d error = %v", i, err)
		}
	}
	start := time.Now()
	if err := c.Enqueue("one too many"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue() on full queue = %v, want ErrQueueFull", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("Enqueue() blocked on a full queue")
	}
	if c.queue.len() != 2 {
		t.Fatalf("queue len = %d, want 2", c.queue.len())
	}
}

func TestEnqueueRejectsEmptyText(t *testing.T) {
	c := New(Config{AppID: "app"}, nil, nil)
	c.state.Store(int32(StateAvatarLinked))
	if err := c.Enqueue(" \n "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("Enqueue(blank) = %v, want ErrEmptyText", err)
	}
}

func TestStopBeforeRun(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/never", AppID: "app"}, nil, nil)
	c.Stop()
	c.Stop()
	if c.Running() {
		t.Fatalf("Running() = true after Stop")
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("Done() not closed after Stop")
	}
}
