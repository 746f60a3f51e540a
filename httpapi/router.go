package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/velmie/pgwatch"
)

const (
	defaultReadLimit = 100
	maxReadLimit     = 1000
	maxBodySize      = 1 << 20
)

// Publisher persists and signals a notification. *pgwatch.Engine implements it.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload pgwatch.Payload) (pgwatch.Notification, error)
}

// RouterOptions wires the router to its dependencies. Publisher, Store and Checkpoints are required.
type RouterOptions struct {
	Publisher    Publisher
	Store        pgwatch.OutboxStore
	Checkpoints  pgwatch.CheckpointStore
	Healthchecks []func(context.Context) error
	Logger       pgwatch.Logger
}

type api struct {
	opts RouterOptions
	log  pgwatch.Logger
}

// Router builds the HTTP routes.
func Router(opts RouterOptions) chi.Router {
	a := &api{opts: opts, log: opts.Logger}
	if a.log == nil {
		a.log = pgwatch.NopLogger{}
	}

	r := chi.NewRouter()
	r.Get("/healthz", a.health)
	r.Route("/channels/{channel}", func(ch chi.Router) {
		ch.Post("/notifications", a.publish)
		ch.Get("/notifications", a.readRange)
		ch.Get("/max", a.maxSequence)
	})
	r.Get("/consumers/{id}/checkpoints", a.checkpoints)

	return r
}

type notificationResponse struct {
	ID        uuid.UUID       `json:"id"`
	Channel   string          `json:"channel"`
	Sequence  int64           `json:"sequence"`
	Payload   pgwatch.Payload `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func toResponse(n pgwatch.Notification) notificationResponse {
	return notificationResponse{
		ID:        n.ID,
		Channel:   n.Channel,
		Sequence:  n.Sequence,
		Payload:   n.Payload,
		CreatedAt: n.CreatedAt,
	}
}

func (a *api) publish(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(raw) > maxBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
		return
	}
	payload, err := pgwatch.DecodePayload(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	n, err := a.opts.Publisher.Publish(r.Context(), channel, payload)
	if err != nil {
		a.fail(w, r, "publish", err)
		return
	}

	writeJSON(w, http.StatusCreated, toResponse(n))
}

func (a *api) readRange(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	after, err := queryInt(r, "after", 0)
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, errors.New("after must be a non-negative integer"))
		return
	}
	limit, err := queryInt(r, "limit", defaultReadLimit)
	if err != nil || limit <= 0 || limit > maxReadLimit {
		writeError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 1000"))
		return
	}

	batch, err := a.opts.Store.ReadRange(r.Context(), channel, after, int(limit))
	if err != nil {
		a.fail(w, r, "read range", err)
		return
	}

	out := make([]notificationResponse, 0, len(batch))
	for _, n := range batch {
		out = append(out, toResponse(n))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) maxSequence(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	seq, err := a.opts.Store.MaxSequence(r.Context(), channel)
	if err != nil {
		a.fail(w, r, "max sequence", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"channel": channel, "sequence": seq})
}

type checkpointResponse struct {
	Channel  string `json:"channel"`
	Sequence int64  `json:"sequence"`
}

func (a *api) checkpoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cps, err := a.opts.Checkpoints.Checkpoints(r.Context(), id)
	if err != nil {
		a.fail(w, r, "checkpoints", err)
		return
	}
	if len(cps) == 0 {
		writeError(w, http.StatusNotFound, pgwatch.ErrUnknownConsumer)
		return
	}

	out := make([]checkpointResponse, 0, len(cps))
	for _, cp := range cps {
		out = append(out, checkpointResponse{Channel: cp.Channel, Sequence: cp.Sequence})
	}
	writeJSON(w, http.StatusOK, map[string]any{"consumer_id": id, "checkpoints": out})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	for _, check := range a.opts.Healthchecks {
		if err := check(r.Context()); err != nil {
			a.log.Error("pgwatch readiness check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "NOT_READY"})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "READY"})
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("pgwatch http "+op+" failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pgwatch.ErrChannelRequired),
		errors.Is(err, pgwatch.ErrNilPayload),
		errors.Is(err, pgwatch.ErrInvalidPayload),
		errors.Is(err, pgwatch.ErrInvalidLimit):
		return http.StatusBadRequest
	case errors.Is(err, pgwatch.ErrUnknownConsumer),
		errors.Is(err, pgwatch.ErrCheckpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, fallback int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}

	return strconv.ParseInt(v, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
