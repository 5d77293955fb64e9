package devtools

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/kimhsiao/marketsync/internal/errors"
	"github.com/kimhsiao/marketsync/internal/logging"
	"github.com/kimhsiao/marketsync/internal/models"
	"github.com/kimhsiao/marketsync/internal/network"
	"github.com/kimhsiao/marketsync/internal/offline"
	"github.com/kimhsiao/marketsync/internal/sync/conflict"
	"github.com/kimhsiao/marketsync/internal/sync/queue"
)

type fakeBackend struct {
	mu sync.Mutex

	items     []*models.QueueEntry
	conflicts []models.ConflictRecord
	limit     int
	synced    int
	cleared   bool

	resolvedID      string
	resolvedOutcome conflict.Outcome
	resolvedPayload models.Payload
	resolveErr      error

	statsFns []func(queue.Stats)
}

func (f *fakeBackend) Stats(context.Context) (offline.Stats, error) {
	return offline.Stats{
		Network: network.Status{Online: true, Tier: network.Tier4G},
		Queue:   queue.Stats{Total: len(f.items)},
	}, nil
}

func (f *fakeBackend) QueueItems(context.Context) ([]*models.QueueEntry, error) {
	return f.items, nil
}

func (f *fakeBackend) Conflicts(_ context.Context, limit int) ([]models.ConflictRecord, error) {
	f.limit = limit
	return f.conflicts, nil
}

func (f *fakeBackend) ForceSync(context.Context) (*queue.DrainResult, error) {
	f.synced++
	return &queue.DrainResult{Attempted: 2, Succeeded: 2}, nil
}

func (f *fakeBackend) RetryFailed(context.Context) (int64, error) { return 3, nil }

func (f *fakeBackend) ResolveConflict(_ context.Context, id string, outcome conflict.Outcome, p models.Payload) error {
	f.resolvedID, f.resolvedOutcome, f.resolvedPayload = id, outcome, p
	return f.resolveErr
}

func (f *fakeBackend) Export(_ context.Context, w io.Writer) error {
	_, err := w.Write([]byte(`{"stores":{}}`))
	return err
}

func (f *fakeBackend) Clear(context.Context) error {
	f.cleared = true
	return nil
}

func (f *fakeBackend) SubscribeStats(fn func(queue.Stats)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsFns = append(f.statsFns, fn)
	return func() {}
}

func (f *fakeBackend) SubscribeStatus(func(network.Status)) func() { return func() {} }

func (f *fakeBackend) SubscribeConflicts(func(conflict.Notification)) func() { return func() {} }

func (f *fakeBackend) emitStats(st queue.Stats) {
	f.mu.Lock()
	fns := append([]func(queue.Stats){}, f.statsFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func newTestServer(t *testing.T) (*fakeBackend, http.Handler) {
	t.Helper()
	logging.SetOutput(&bytes.Buffer{})
	fb := &fakeBackend{}
	return fb, NewServer(fb).Router()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// TestHealthz tests the liveness endpoint.
func TestHealthz(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

// TestStatsAndQueue tests the read-only inspection endpoints.
func TestStatsAndQueue(t *testing.T) {
	fb, h := newTestServer(t)
	fb.items = []*models.QueueEntry{{
		ID:       "q1",
		Type:     models.EntryMessage,
		Method:   models.MethodCreate,
		Target:   "/messages",
		Payload:  models.MessagePayload{ConversationID: "c1", Content: "hi"},
		Status:   models.QueueStatusPending,
		Priority: 1,
	}}

	rec := do(t, h, http.MethodGet, "/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var st offline.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.Queue.Total != 1 || !st.Network.Online {
		t.Errorf("unexpected stats: %+v", st)
	}

	rec = do(t, h, http.MethodGet, "/v1/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("queue status = %d", rec.Code)
	}
	var body struct {
		Count int               `json:"count"`
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode queue: %v", err)
	}
	if body.Count != 1 || len(body.Items) != 1 {
		t.Fatalf("count = %d, items = %d", body.Count, len(body.Items))
	}
	if !strings.Contains(string(body.Items[0]), `"q1"`) {
		t.Errorf("queue item missing id: %s", body.Items[0])
	}
}

// TestQueueActions tests force sync, retry and clear.
func TestQueueActions(t *testing.T) {
	fb, h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v1/queue/sync", "")
	if rec.Code != http.StatusOK || fb.synced != 1 {
		t.Fatalf("sync: status = %d, synced = %d", rec.Code, fb.synced)
	}
	var res queue.DrainResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode drain result: %v", err)
	}
	if res.Succeeded != 2 {
		t.Errorf("succeeded = %d, want 2", res.Succeeded)
	}

	rec = do(t, h, http.MethodPost, "/v1/queue/retry-failed", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"revived":3`) {
		t.Errorf("retry-failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/v1/clear", "")
	if rec.Code != http.StatusNoContent || !fb.cleared {
		t.Errorf("clear: status = %d, cleared = %v", rec.Code, fb.cleared)
	}

	rec = do(t, h, http.MethodGet, "/v1/queue/sync", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET sync status = %d, want 405", rec.Code)
	}
}

// TestConflictsLimit tests limit parsing on the conflict listing.
func TestConflictsLimit(t *testing.T) {
	fb, h := newTestServer(t)
	fb.conflicts = []models.ConflictRecord{{ID: "c1", EntryID: "q1", Resolution: "manual"}}

	rec := do(t, h, http.MethodGet, "/v1/conflicts", "")
	if rec.Code != http.StatusOK || fb.limit != defaultConflictLimit {
		t.Fatalf("status = %d, limit = %d", rec.Code, fb.limit)
	}
	rec = do(t, h, http.MethodGet, "/v1/conflicts?limit=5", "")
	if rec.Code != http.StatusOK || fb.limit != 5 {
		t.Fatalf("status = %d, limit = %d", rec.Code, fb.limit)
	}
	rec = do(t, h, http.MethodGet, "/v1/conflicts?limit=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want 400", rec.Code)
	}
}

// TestResolveConflict tests payload decoding and error mapping.
func TestResolveConflict(t *testing.T) {
	t.Run("client wins with payload", func(t *testing.T) {
		fb, h := newTestServer(t)
		body := `{"outcome":"client-wins","payload":{"type":"product","data":{"sellerId":"s1","title":"Lamp","priceCents":1500}}}`
		rec := do(t, h, http.MethodPost, "/v1/conflicts/q7/resolve", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		if fb.resolvedID != "q7" || fb.resolvedOutcome != conflict.OutcomeClientWins {
			t.Errorf("resolved %q with %q", fb.resolvedID, fb.resolvedOutcome)
		}
		if _, ok := fb.resolvedPayload.(models.ProductPayload); !ok {
			t.Errorf("payload type = %T, want ProductPayload", fb.resolvedPayload)
		}
	})

	t.Run("server wins without payload", func(t *testing.T) {
		fb, h := newTestServer(t)
		rec := do(t, h, http.MethodPost, "/v1/conflicts/q8/resolve", `{"outcome":"server-wins"}`)
		if rec.Code != http.StatusOK || fb.resolvedPayload != nil {
			t.Errorf("status = %d, payload = %v", rec.Code, fb.resolvedPayload)
		}
	})

	t.Run("bad requests", func(t *testing.T) {
		_, h := newTestServer(t)
		for _, body := range []string{`not json`, `{}`, `{"outcome":"merged","payload":{"type":"bogus","data":{}}}`} {
			rec := do(t, h, http.MethodPost, "/v1/conflicts/q9/resolve", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("body %s: status = %d, want 400", body, rec.Code)
			}
		}
	})

	t.Run("error mapping", func(t *testing.T) {
		fb, h := newTestServer(t)
		fb.resolveErr = apperrors.New(apperrors.ErrNotFound, "queue entry not found")
		rec := do(t, h, http.MethodPost, "/v1/conflicts/missing/resolve", `{"outcome":"server-wins"}`)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}

		fb.resolveErr = apperrors.New(apperrors.ErrInvalid, "entry q1 is pending, not in conflict")
		rec = do(t, h, http.MethodPost, "/v1/conflicts/q1/resolve", `{"outcome":"server-wins"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}

		fb.resolveErr = apperrors.New(apperrors.ErrStorage, "disk I/O error")
		rec = do(t, h, http.MethodPost, "/v1/conflicts/q1/resolve", `{"outcome":"server-wins"}`)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "disk") {
			t.Errorf("internal error leaked: %s", rec.Body.String())
		}
	})
}

// TestExport tests the export download.
func TestExport(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/v1/export", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != `{"stores":{}}` {
		t.Errorf("body = %s", rec.Body.String())
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "marketsync-export.json") {
		t.Errorf("missing attachment header")
	}
}

// TestLocalOrigin tests the websocket origin check.
func TestLocalOrigin(t *testing.T) {
	cases := map[string]bool{
		"":                       true,
		"http://localhost:3000":  true,
		"http://127.0.0.1:7788":  true,
		"http://[::1]:8080":      true,
		"https://evil.example":   false,
		"http://localhost.evil":  false,
		"::not a url::":          false,
	}
	for origin, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if got := localOrigin(req); got != want {
			t.Errorf("localOrigin(%q) = %v, want %v", origin, got, want)
		}
	}
}

// TestWebsocketStream tests the hello snapshot, broadcast delivery and
// subscription filtering.
func TestWebsocketStream(t *testing.T) {
	logging.SetOutput(&bytes.Buffer{})
	fb := &fakeBackend{}
	srv := NewServer(fb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Attach(ctx)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if env.Type != EventQueueStats {
		t.Fatalf("hello type = %q", env.Type)
	}
	if srv.Hub().ClientCount() != 1 {
		t.Fatalf("clients = %d, want 1", srv.Hub().ClientCount())
	}

	fb.emitStats(queue.Stats{Total: 42})
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	var st queue.Stats
	if err := json.Unmarshal(env.Data, &st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if env.Type != EventQueueStats || st.Total != 42 {
		t.Fatalf("got %s total=%d", env.Type, st.Total)
	}

	if err := conn.WriteJSON(map[string]any{"action": "subscribe", "events": []string{EventConflict}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var ack map[string]any
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack["action"] != "subscribe_ack" {
		t.Fatalf("ack = %v", ack)
	}

	// Filtered out: the next frame must be the pong.
	fb.emitStats(queue.Stats{Total: 7})
	time.Sleep(50 * time.Millisecond)
	if err := conn.WriteJSON(map[string]any{"action": "ping"}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	var pong map[string]any
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong["action"] != "pong" {
		t.Errorf("expected pong, got %v", pong)
	}
}
