package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a row does not exist or belongs to another
// tenant. Handlers map it to 404.
var ErrNotFound = errors.New("not found")

type Store struct {
	db        *sqlx.DB
	logger    *slog.Logger
	alertSink AlertSink
}

func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// AlertSink receives instance status transitions as they are persisted.
type AlertSink interface {
	NotifyInstanceStatusChange(ctx context.Context, event InstanceAlertEvent)
}

type InstanceAlertEvent struct {
	InstanceID   string
	InstanceName string
	TenantID     string
	OldStatus    string
	NewStatus    string
	TS           time.Time
}

func (s *Store) SetAlertSink(sink AlertSink) {
	s.alertSink = sink
}

// DB returns the underlying sqlx.DB for direct queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) emitInstanceAlert(event InstanceAlertEvent) {
	if s.alertSink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.alertSink.NotifyInstanceStatusChange(ctx, event)
	}()
}
