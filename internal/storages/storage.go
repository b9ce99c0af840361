package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

type AtomicFunc func(Registry) error

type Registry interface {
	Atomic(ctx context.Context, fn AtomicFunc) error
	GetRecordsStore() *RecordsStorage
	GetUpdatesStore() *UpdatesStorage
}

type DefaultRegistry struct {
	backend    Backend
	scope      KV
	publisher  Publisher
	validate   *validator.Validate
	recordsCfg *RecordsStoreConfig
	updatesCfg *UpdatesStoreConfig
	logger     logrus.FieldLogger
}

// Scope is the part of sqlx shared by *sqlx.DB and *sqlx.Tx.
type Scope interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
	sqlx.Execer
	sqlx.Queryer
	Get(dest interface{}, query string, args ...interface{}) error
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExec(query string, arg interface{}) (sql.Result, error)
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	NamedQuery(query string, arg interface{}) (*sqlx.Rows, error)
}

type RegistryConfig struct {
	Records *RecordsStoreConfig
	Updates *UpdatesStoreConfig
}

func NewRegistry(b Backend, p Publisher, v *validator.Validate, cfg RegistryConfig, logger logrus.FieldLogger) *DefaultRegistry {
	return &DefaultRegistry{
		backend:    b,
		scope:      b,
		publisher:  p,
		validate:   v,
		recordsCfg: cfg.Records,
		updatesCfg: cfg.Updates,
		logger:     logger,
	}
}

func (r *DefaultRegistry) Atomic(ctx context.Context, fn AtomicFunc) (err error) {
	tx, err := r.backend.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("rollback caused by error: \"%v\" failed: %v", err, rbErr)
			}
		} else {
			err = tx.Commit()
		}
	}()

	storage := DefaultRegistry{
		backend:    r.backend,
		scope:      tx,
		publisher:  r.publisher,
		validate:   r.validate,
		recordsCfg: r.recordsCfg,
		updatesCfg: r.updatesCfg,
		logger:     r.logger,
	}
	err = fn(&storage)
	return err
}

func (r *DefaultRegistry) GetRecordsStore() *RecordsStorage {
	return NewRecordsStore(r.scope, r.validate, r.recordsCfg, r.logger)
}

func (r *DefaultRegistry) GetUpdatesStore() *UpdatesStorage {
	return NewUpdatesStore(r.publisher, r.validate, r.updatesCfg)
}
