package usecases

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/practice-sem-2/chat-sync-service/internal/config"
	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/practice-sem-2/chat-sync-service/internal/observability"
	"github.com/practice-sem-2/chat-sync-service/internal/scheduler"
	"github.com/practice-sem-2/chat-sync-service/internal/state"
	"github.com/sirupsen/logrus"
)

// Deps is what every use case is built from.
type Deps struct {
	Store     *state.Store
	Scheduler *scheduler.Scheduler
	Validate  *validator.Validate
	Config    config.EngineConfig
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC().Round(0)
}

// ObserveCommit feeds committed domain events into the metrics.
func ObserveCommit(_ state.Snapshot, _ state.Dirty, updates []models.Update) {
	for _, upd := range updates {
		switch u := upd.(type) {
		case *models.MessageSent:
			observability.IncMessageAppended(string(u.Type))
		case *models.MessageStatusChanged:
			observability.IncStatusTransition(string(u.From), string(u.To))
		}
	}
}

// logTaskError reports a failed scheduled task unless it was cancelled.
func logTaskError(logger logrus.FieldLogger, task string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, state.ErrStoreClosed) {
		return
	}
	logger.
		WithField("task", task).
		WithError(err).
		Warning("scheduled task failed")
}
