package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/avatarlink/internal/avatar"
	"github.com/ent0n29/avatarlink/internal/config"
	"github.com/ent0n29/avatarlink/internal/observability"
	"github.com/ent0n29/avatarlink/internal/protocol"
	"github.com/ent0n29/avatarlink/internal/transcript"
)

const streamInfoFrame = `{"header":{"code":0},"payload":{"avatar":{"event_type":"stream_info","stream_url":"xrtcs://host/roomA","cid":"c1","stream_extend":{"user_sign":"T","appid":"A"}}}}`

type fakeSession struct {
	mu         sync.Mutex
	state      string
	enqueueErr error
	texts      []string
	stopped    int
}

func (f *fakeSession) ID() string { return "sess-1" }

func (f *fakeSession) Enqueue(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	if strings.TrimSpace(text) == "" {
		return avatar.ErrEmptyText
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSession) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.state = "closed"
}

func (f *fakeSession) Snapshot() avatar.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return avatar.Snapshot{
		ID:     "sess-1",
		State:  f.state,
		Linked: f.state == "avatar_linked",
	}
}

func (f *fakeSession) calls() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...), f.stopped
}

func (f *fakeSession) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueueErr = err
}

type testServer struct {
	ts      *httptest.Server
	session *fakeSession
	hub     *StreamHub
	store   *transcript.InMemoryStore
}

func newTestServer(t *testing.T, state string) *testServer {
	t.Helper()
	sess := &fakeSession{state: state}
	store := transcript.NewInMemoryStore()
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
	hub := NewStreamHub(sess.ID(), store, metrics)
	srv := New(config.Config{}, sess, hub, store, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return &testServer{ts: ts, session: sess, hub: hub, store: store}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	res, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, "open")

	res, err := http.Get(s.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", res.StatusCode)
	}
	if got := decodeBody(t, res)["session_state"]; got != "open" {
		t.Fatalf("session_state = %v, want open", got)
	}

	notReady, err := http.Get(s.ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer notReady.Body.Close()
	if notReady.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before link = %d, want 503", notReady.StatusCode)
	}

	s.session.mu.Lock()
	s.session.state = "avatar_linked"
	s.session.mu.Unlock()
	ready, err := http.Get(s.ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer ready.Body.Close()
	if ready.StatusCode != http.StatusOK {
		t.Fatalf("readyz after link = %d, want 200", ready.StatusCode)
	}
}

func TestSessionSnapshot(t *testing.T) {
	s := newTestServer(t, "avatar_linked")
	res, err := http.Get(s.ts.URL + "/v1/avatar/session")
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	defer res.Body.Close()
	payload := decodeBody(t, res)
	if payload["session_id"] != "sess-1" || payload["linked"] != true {
		t.Fatalf("snapshot = %+v, want linked sess-1", payload)
	}
}

func TestPostText(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		err      error
		wantCode int
		wantErr  string
	}{
		{name: "accepted", body: map[string]string{"text": "hello"}, wantCode: http.StatusAccepted},
		{name: "not linked", body: map[string]string{"text": "hello"}, err: avatar.ErrNotLinked, wantCode: http.StatusConflict, wantErr: "not_linked"},
		{name: "queue full", body: map[string]string{"text": "hello"}, err: avatar.ErrQueueFull, wantCode: http.StatusServiceUnavailable, wantErr: "queue_full"},
		{name: "closed", body: map[string]string{"text": "hello"}, err: avatar.ErrClosed, wantCode: http.StatusConflict, wantErr: "session_closed"},
		{name: "blank", body: map[string]string{"text": "  "}, wantCode: http.StatusBadRequest, wantErr: "empty_text"},
		{name: "bad json", body: "not an object", wantCode: http.StatusBadRequest, wantErr: "invalid_request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, "avatar_linked")
			s.session.setErr(tc.err)

			res := postJSON(t, s.ts.URL+"/v1/avatar/text", tc.body)
			if res.StatusCode != tc.wantCode {
				t.Fatalf("status = %d, want %d", res.StatusCode, tc.wantCode)
			}
			payload := decodeBody(t, res)
			if tc.wantErr != "" && payload["code"] != tc.wantErr {
				t.Fatalf("code = %v, want %s", payload["code"], tc.wantErr)
			}
		})
	}
}

func TestPostTextRecordsRedactedTranscript(t *testing.T) {
	s := newTestServer(t, "avatar_linked")
	res := postJSON(t, s.ts.URL+"/v1/avatar/text", map[string]string{"text": "mail me at jane@example.com"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", res.StatusCode)
	}

	recs, err := s.store.Recent(context.Background(), "sess-1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Kind != transcript.KindDriverText || !recs[0].PIIRedacted {
		t.Fatalf("record = %+v, want redacted driver_text", recs[0])
	}
	if strings.Contains(recs[0].Content, "jane@example.com") {
		t.Fatalf("transcript kept the email address: %q", recs[0].Content)
	}
	if texts, _ := s.session.calls(); len(texts) != 1 || texts[0] != "mail me at jane@example.com" {
		t.Fatalf("session received %q, want the unredacted text", texts)
	}
}

func TestPostTextRecordsSpokenText(t *testing.T) {
	s := newTestServer(t, "avatar_linked")
	res := postJSON(t, s.ts.URL+"/v1/avatar/text", map[string]string{"text": "  say `hello`   [docs](http://x.io)\n\tplease "})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", res.StatusCode)
	}

	recs, err := s.store.Recent(context.Background(), "sess-1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Content != "say hello docs please" {
		t.Fatalf("Content = %q, want the normalized text", recs[0].Content)
	}
}

func TestStop(t *testing.T) {
	s := newTestServer(t, "avatar_linked")
	res := postJSON(t, s.ts.URL+"/v1/avatar/stop", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if _, stopped := s.session.calls(); stopped != 1 {
		t.Fatalf("Stop called %d times, want 1", stopped)
	}
}

func TestStreamEndpoint(t *testing.T) {
	s := newTestServer(t, "open")

	res, err := http.Get(s.ts.URL + "/v1/avatar/stream")
	if err != nil {
		t.Fatalf("GET stream error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status before stream_info = %d, want 404", res.StatusCode)
	}

	s.hub.Handle(context.Background(), streamInfoFrame)

	ready, err := http.Get(s.ts.URL + "/v1/avatar/stream")
	if err != nil {
		t.Fatalf("GET stream error = %v", err)
	}
	defer ready.Body.Close()
	if ready.StatusCode != http.StatusOK {
		t.Fatalf("status after stream_info = %d, want 200", ready.StatusCode)
	}
	payload := decodeBody(t, ready)
	if payload["playerType"] != float64(12) {
		t.Fatalf("playerType = %v, want 12", payload["playerType"])
	}
	xrtc, _ := payload["xrtcStreamConfig"].(map[string]any)
	if xrtc["server"] != "http://host" || xrtc["roomId"] != "roomA" || xrtc["token"] != "T" {
		t.Fatalf("xrtcStreamConfig = %+v", xrtc)
	}
}

func TestTranscriptEndpoint(t *testing.T) {
	s := newTestServer(t, "avatar_linked")
	for i := 0; i < 3; i++ {
		postJSON(t, s.ts.URL+"/v1/avatar/text", map[string]string{"text": fmt.Sprintf("line %d", i)})
	}

	res, err := http.Get(s.ts.URL + "/v1/avatar/transcript?limit=2")
	if err != nil {
		t.Fatalf("GET transcript error = %v", err)
	}
	defer res.Body.Close()
	var payload struct {
		SessionID string              `json:"session_id"`
		Records   []transcript.Record `json:"records"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Records) != 2 || payload.Records[1].Content != "line 2" {
		t.Fatalf("records = %+v, want the last two", payload.Records)
	}

	bad, err := http.Get(s.ts.URL + "/v1/avatar/transcript?limit=zero")
	if err != nil {
		t.Fatalf("GET transcript error = %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", bad.StatusCode)
	}
}

func TestPerfLatency(t *testing.T) {
	s := newTestServer(t, "open")
	res, err := http.Get(s.ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET perf error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if _, ok := decodeBody(t, res)["stages"]; !ok {
		t.Fatalf("missing stages")
	}
}

func TestUIRoutes(t *testing.T) {
	s := newTestServer(t, "open")
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	rootRes, err := client.Get(s.ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	defer rootRes.Body.Close()
	if got := rootRes.Header.Get("Location"); got != "/ui/" {
		t.Fatalf("GET / location = %q, want /ui/", got)
	}

	uiRes, err := http.Get(s.ts.URL + "/ui/")
	if err != nil {
		t.Fatalf("GET /ui/ error = %v", err)
	}
	defer uiRes.Body.Close()
	var body bytes.Buffer
	if _, err := body.ReadFrom(uiRes.Body); err != nil {
		t.Fatalf("reading /ui/ body failed: %v", err)
	}
	if !strings.Contains(body.String(), "/v1/avatar/ws") {
		t.Fatalf("GET /ui/ body missing websocket wiring")
	}
}

func dialWS(t *testing.T, s *testServer) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/v1/avatar/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial browser ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read browser message: %v", err)
	}
	return msg
}

func TestAvatarWS(t *testing.T) {
	s := newTestServer(t, "avatar_linked")
	conn := dialWS(t, s)

	if msg := readMsg(t, conn); msg["type"] != string(protocol.TypeSessionState) || msg["state"] != "avatar_linked" {
		t.Fatalf("first message = %+v, want session_state", msg)
	}

	s.hub.Handle(context.Background(), streamInfoFrame)
	msg := readMsg(t, conn)
	if msg["type"] != string(protocol.TypeStreamInfo) {
		t.Fatalf("message = %+v, want stream_info", msg)
	}
	cfg, _ := msg["config"].(map[string]any)
	if cfg["streamUrl"] != "xrtcs://host/roomA" {
		t.Fatalf("config = %+v", cfg)
	}

	if err := conn.WriteJSON(map[string]string{"type": "driver_text", "text": "hi there"}); err != nil {
		t.Fatalf("write driver_text: %v", err)
	}
	if msg := readMsg(t, conn); msg["type"] != string(protocol.TypeDriverTextAccepted) || msg["text"] != "hi there" {
		t.Fatalf("message = %+v, want driver_text_accepted", msg)
	}

	s.session.setErr(avatar.ErrNotLinked)
	if err := conn.WriteJSON(map[string]string{"type": "driver_text", "text": "again"}); err != nil {
		t.Fatalf("write driver_text: %v", err)
	}
	if msg := readMsg(t, conn); msg["type"] != string(protocol.TypeErrorEvent) || msg["code"] != "not_linked" {
		t.Fatalf("message = %+v, want not_linked error_event", msg)
	}

	if err := conn.WriteJSON(map[string]string{"type": "audio_chunk"}); err != nil {
		t.Fatalf("write unknown: %v", err)
	}
	if msg := readMsg(t, conn); msg["code"] != "invalid_client_message" {
		t.Fatalf("message = %+v, want invalid_client_message", msg)
	}
}

func TestAvatarWSReceivesLatestStreamOnAttach(t *testing.T) {
	s := newTestServer(t, "avatar_linked")
	s.hub.Handle(context.Background(), streamInfoFrame)

	conn := dialWS(t, s)
	readMsg(t, conn)
	if msg := readMsg(t, conn); msg["type"] != string(protocol.TypeStreamInfo) {
		t.Fatalf("message = %+v, want replayed stream_info", msg)
	}
}

func TestAvatarWSRejectsForeignOrigin(t *testing.T) {
	s := newTestServer(t, "open")
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/v1/avatar/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("dial with foreign origin succeeded")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %v, want 403", res)
	}
}
