package store

import (
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"recio/pkg/types"
)

// Notifier pushes db_change hints to the main app after writes to watched
// tables. It exists to cut UI latency, nothing more: delivery is fire and
// forget, failures are logged at debug and never propagate to the writer.
type Notifier struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewNotifier creates a notifier pointed at the main app's base URL.
func NewNotifier(mainAppURL string, logger *slog.Logger) *Notifier {
	client := resty.New().
		SetBaseURL(mainAppURL).
		SetTimeout(2 * time.Second)

	return &Notifier{
		http:   client,
		logger: logger.With("component", "notifier"),
	}
}

// Publish sends one change hint without blocking the caller.
func (n *Notifier) Publish(table, user string) {
	change := types.DBChange{Table: table, User: user}
	go func() {
		resp, err := n.http.R().
			SetBody(change).
			Post("/api/notify_db_change")
		if err != nil {
			n.logger.Debug("db_change notify failed", "table", table, "error", err)
			return
		}
		if resp.IsError() {
			n.logger.Debug("db_change notify rejected", "table", table, "status", resp.StatusCode())
		}
	}()
}
