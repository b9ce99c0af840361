package storage

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
)

const (
	KVTable      = "kv_store"
	KVPrimaryKey = "kv_store_pkey"
)

// PostgresKV keeps documents in a single jsonb table.
type PostgresKV struct {
	db Scope
}

func NewPostgresKV(db Scope) *PostgresKV {
	return &PostgresKV{
		db: db,
	}
}

func (s *PostgresKV) Get(ctx context.Context, key string) ([]byte, error) {
	query, args, err := sq.Select("value").
		From(KVTable).
		Where(sq.Eq{"key": key}).
		PlaceholderFormat(sq.Dollar).
		ToSql()

	if err != nil {
		return nil, err
	}

	var value []byte
	err = s.db.GetContext(ctx, &value, query, args...)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	} else if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *PostgresKV) Put(ctx context.Context, key string, value []byte) error {
	query, args, err := sq.Insert(KVTable).
		Columns("key", "value", "updated_at").
		Values(key, string(value), sq.Expr("now()")).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at").
		PlaceholderFormat(sq.Dollar).
		ToSql()

	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *PostgresKV) PutIfAbsent(ctx context.Context, key string, value []byte) error {
	query, args, err := sq.Insert(KVTable).
		Columns("key", "value", "updated_at").
		Values(key, string(value), sq.Expr("now()")).
		PlaceholderFormat(sq.Dollar).
		ToSql()

	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)

	if GetPgxConstraintName(err) == KVPrimaryKey {
		return ErrKeyExists
	} else {
		return err
	}
}

func (s *PostgresKV) Delete(ctx context.Context, key string) error {
	query, args, err := sq.Delete(KVTable).
		Where(sq.Eq{"key": key}).
		PlaceholderFormat(sq.Dollar).
		ToSql()

	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

type PostgresBackend struct {
	*PostgresKV
	db *sqlx.DB
}

func NewPostgresBackend(db *sqlx.DB) *PostgresBackend {
	return &PostgresBackend{
		PostgresKV: NewPostgresKV(db),
		db:         db,
	}
}

func (b *PostgresBackend) Begin(ctx context.Context) (Tx, error) {
	tx, err := b.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &postgresTx{
		PostgresKV: NewPostgresKV(tx),
		tx:         tx,
	}, nil
}

func (b *PostgresBackend) Close() error {
	return b.db.Close()
}

type postgresTx struct {
	*PostgresKV
	tx *sqlx.Tx
}

func (t *postgresTx) Commit() error {
	return t.tx.Commit()
}

func (t *postgresTx) Rollback() error {
	return t.tx.Rollback()
}
