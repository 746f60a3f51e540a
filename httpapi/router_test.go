package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/velmie/pgwatch"
	"github.com/velmie/pgwatch/httpapi"
	"github.com/velmie/pgwatch/memory"
)

func setupRouter(t *testing.T, checks ...func(context.Context) error) (http.Handler, *pgwatch.Engine, *memory.Store) {
	t.Helper()

	store := memory.NewStore()
	engine := pgwatch.New(store, store)

	return httpapi.Router(httpapi.RouterOptions{
		Publisher:    engine,
		Store:        store,
		Checkpoints:  store,
		Healthchecks: checks,
	}), engine, store
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestPublishAndReadRange(t *testing.T) {
	h, _, _ := setupRouter(t)

	for _, body := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		rec := do(t, h, http.MethodPost, "/channels/orders/notifications", body)
		if rec.Code != http.StatusCreated {
			t.Fatalf("publish: status %d: %s", rec.Code, rec.Body)
		}
	}

	rec := do(t, h, http.MethodGet, "/channels/orders/notifications?after=1&limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("read: status %d: %s", rec.Code, rec.Body)
	}
	var got []struct {
		Sequence int64          `json:"sequence"`
		Payload  map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Sequence != 2 || got[0].Payload["n"] != float64(2) {
		t.Fatalf("unexpected range: %+v", got)
	}

	rec = do(t, h, http.MethodGet, "/channels/orders/max", "")
	var high struct {
		Sequence int64 `json:"sequence"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &high); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if high.Sequence != 3 {
		t.Fatalf("expected max 3, got %d", high.Sequence)
	}
}

func TestPublishRejectsInvalidBody(t *testing.T) {
	h, _, store := setupRouter(t)

	for _, body := range []string{`[1,2]`, `not json`, `"text"`} {
		rec := do(t, h, http.MethodPost, "/channels/orders/notifications", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
	if store.Len("orders") != 0 {
		t.Fatalf("expected nothing persisted")
	}
}

func TestReadRangeValidatesQuery(t *testing.T) {
	h, _, _ := setupRouter(t)

	for _, q := range []string{"limit=0", "limit=5000", "limit=x", "after=-1"} {
		rec := do(t, h, http.MethodGet, "/channels/orders/notifications?"+q, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("query %q: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestConsumerCheckpoints(t *testing.T) {
	h, engine, _ := setupRouter(t)

	rec := do(t, h, http.MethodGet, "/consumers/audit/checkpoints", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown consumer, got %d", rec.Code)
	}

	err := engine.Register(context.Background(), pgwatch.Consumer{
		ID:       "audit",
		Channels: []string{"orders"},
		Callback: pgwatch.CallbackFunc(func(context.Context, *pgwatch.NotificationHandler) error { return nil }),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	rec = do(t, h, http.MethodGet, "/consumers/audit/checkpoints", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("checkpoints: status %d", rec.Code)
	}
	var got struct {
		ConsumerID  string `json:"consumer_id"`
		Checkpoints []struct {
			Channel  string `json:"channel"`
			Sequence int64  `json:"sequence"`
		} `json:"checkpoints"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ConsumerID != "audit" || len(got.Checkpoints) != 1 || got.Checkpoints[0].Channel != "orders" {
		t.Fatalf("unexpected checkpoints: %+v", got)
	}
}

func TestHealth(t *testing.T) {
	h, _, _ := setupRouter(t)
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}

	h, _, _ = setupRouter(t, func(context.Context) error { return errors.New("db down") })
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready, got %d", rec.Code)
	}
}

func TestStoreFailureIsServerError(t *testing.T) {
	h, _, store := setupRouter(t)
	store.Fail(errors.New("disk full"))

	rec := do(t, h, http.MethodGet, "/channels/orders/max", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
