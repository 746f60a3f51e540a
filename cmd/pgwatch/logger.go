package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/velmie/pgwatch"
)

func newLogger(format string, level slog.Level, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}

// logCallback writes every delivered notification to the log.
func logCallback(log *slog.Logger) pgwatch.Callback {
	return pgwatch.CallbackFunc(func(ctx context.Context, h *pgwatch.NotificationHandler) error {
		attrs := []any{
			"channel", h.Channel(),
			"sequence", h.Sequence(),
			"id", h.ID(),
			"replay", h.IsReplay(),
		}
		if table, ok := h.Table(); ok {
			action, _ := h.Action()
			attrs = append(attrs, "table", table, "action", string(action))
		}
		attrs = append(attrs, "payload", h.Data())
		log.InfoContext(ctx, "pgwatch notification", attrs...)

		return nil
	})
}
