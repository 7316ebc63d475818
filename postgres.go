package kyudo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS queue_messages (
  queue           TEXT NOT NULL,
  id              TEXT NOT NULL,
  payload         BYTEA NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL,
  receive_count   INTEGER NOT NULL DEFAULT 0,
  invisible_until TIMESTAMPTZ,
  position        BIGINT NOT NULL,
  PRIMARY KEY (queue, id)
);
CREATE INDEX IF NOT EXISTS idx_queue_messages_ready
  ON queue_messages(queue, position);
CREATE INDEX IF NOT EXISTS idx_queue_messages_visibility
  ON queue_messages(queue, invisible_until);
CREATE INDEX IF NOT EXISTS idx_queue_messages_created
  ON queue_messages(queue, created_at);
`

// PostgresOption tunes a Postgres-backed queue at construction.
type PostgresOption[T any] func(*PostgresQueue[T])

func WithPostgresNowFunc[T any](now func() time.Time) PostgresOption[T] {
	return func(q *PostgresQueue[T]) {
		if now != nil {
			q.nowFn = now
		}
	}
}

func WithPostgresSerializer[T any](s Serializer[T, []byte]) PostgresOption[T] {
	return func(q *PostgresQueue[T]) {
		if s != nil {
			q.serializer = s
		}
	}
}

func WithPostgresDeadLetterQueue[T any](dlq Queue[T]) PostgresOption[T] {
	return func(q *PostgresQueue[T]) {
		q.deadLetter = dlq
	}
}

func WithPostgresIDGenerator[T any](gen IDGenerator) PostgresOption[T] {
	return func(q *PostgresQueue[T]) {
		if gen != nil {
			q.idGen = gen
		}
	}
}

func WithPostgresSweepInterval[T any](d time.Duration) PostgresOption[T] {
	return func(q *PostgresQueue[T]) {
		if d > 0 {
			q.sweepInterval = d
		}
	}
}

func WithPostgresLogger[T any](logger *slog.Logger) PostgresOption[T] {
	return func(q *PostgresQueue[T]) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// PostgresQueue backs the Queue contract with a Postgres table, payloads
// stored as bytes through a Serializer[T, []byte] (JSON by default). Row
// claims take FOR UPDATE SKIP LOCKED, so several processes can share one
// queue without double delivery.
type PostgresQueue[T any] struct {
	name   string
	config Configuration

	mu       sync.Mutex
	db       *sql.DB
	disposed bool

	serializer Serializer[T, []byte]
	deadLetter Queue[T]
	idGen      IDGenerator
	nowFn      func() time.Time
	logger     *slog.Logger

	sweepInterval time.Duration
	sweepCancel   context.CancelFunc
	sweepDone     chan struct{}
}

var _ Queue[int] = (*PostgresQueue[int])(nil)

// NewPostgresQueue connects to dsn, migrates the schema, and starts the
// background sweep. The queue owns the connection pool; Dispose closes it.
func NewPostgresQueue[T any](dsn, name string, config Configuration, opts ...PostgresOption[T]) (*PostgresQueue[T], error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("queue %q: %w", name, err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	q := &PostgresQueue[T]{
		name:          name,
		config:        config,
		db:            db,
		serializer:    JSONSerializer[T]{},
		idGen:         NewID,
		nowFn:         time.Now,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		sweepInterval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(q)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.sweepCancel = cancel
	q.sweepDone = make(chan struct{})
	go q.sweepLoop(ctx)
	return q, nil
}

func (q *PostgresQueue[T]) Enqueue(ctx context.Context, msg Message[T]) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrQueueDisposed
	}

	now := q.nowFn()
	if msg.ID == "" {
		msg.ID = q.idGen()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if q.config.expired(msg.CreatedAt, now) {
		return nil
	}

	stored, err := q.serializer.Serialize(msg.Payload)
	if err != nil {
		return &SerializationError{
			Message: fmt.Sprintf("serialize payload of message %q", msg.ID),
			Cause:   err,
		}
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (queue, id, payload, created_at, receive_count, invisible_until, position)
		SELECT $1, $2, $3, $4, 0, NULL, COALESCE(MAX(position), 0) + 1
		  FROM queue_messages WHERE queue = $1
		ON CONFLICT (queue, id) DO NOTHING`,
		q.name, msg.ID, stored, msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("queue %q: message %q: %w", q.name, msg.ID, ErrDuplicateID)
	}
	return nil
}

func (q *PostgresQueue[T]) EnqueuePayload(ctx context.Context, payload T) error {
	return q.Enqueue(ctx, Message[T]{
		ID:        q.idGen(),
		Payload:   payload,
		CreatedAt: q.nowFn(),
	})
}

func (q *PostgresQueue[T]) Dequeue(ctx context.Context) (*Message[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return nil, ErrQueueDisposed
	}

	now := q.nowFn()
	if err := q.sweep(ctx, now); err != nil {
		return nil, err
	}

	for {
		msg, poisoned, err := q.takeCandidate(ctx, now)
		if err != nil {
			return nil, err
		}
		if poisoned == nil && msg == nil {
			return nil, nil
		}
		if poisoned != nil {
			if err := q.routePoisoned(ctx, poisoned); err != nil {
				return nil, err
			}
			continue
		}
		return msg, nil
	}
}

type postgresRecord struct {
	id        string
	payload   []byte
	createdAt time.Time
}

// takeCandidate claims the first visible row under FOR UPDATE SKIP LOCKED.
// A poisoned row is deleted and committed before its dead-letter enqueue
// runs, so the message is never observable in both queues.
func (q *PostgresQueue[T]) takeCandidate(ctx context.Context, now time.Time) (*Message[T], *postgresRecord, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin dequeue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id           string
		payload      []byte
		createdAt    time.Time
		receiveCount int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, payload, created_at, receive_count
		  FROM queue_messages
		 WHERE queue = $1 AND (invisible_until IS NULL OR invisible_until <= $2)
		 ORDER BY position
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		q.name, now.UTC()).Scan(&id, &payload, &createdAt, &receiveCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("select candidate: %w", err)
	}

	rec := postgresRecord{id: id, payload: payload, createdAt: createdAt}
	if receiveCount+1 > q.config.MaxReceiveCount {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queue_messages WHERE queue = $1 AND id = $2`, q.name, id); err != nil {
			return nil, nil, fmt.Errorf("delete poisoned message: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, fmt.Errorf("commit poison removal: %w", err)
		}
		return nil, &rec, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_messages
		   SET receive_count = receive_count + 1, invisible_until = $1
		 WHERE queue = $2 AND id = $3`,
		now.Add(q.config.VisibilityTimeout).UTC(), q.name, id); err != nil {
		return nil, nil, fmt.Errorf("claim message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit claim: %w", err)
	}

	value, err := q.serializer.Deserialize(payload)
	if err != nil {
		return nil, nil, &DeserializationError{
			Message: fmt.Sprintf("deserialize payload of message %q", id),
			Raw:     payload,
			Cause:   err,
		}
	}
	return &Message[T]{
		ID:          id,
		Payload:     value,
		CreatedAt:   createdAt,
		ProcessedAt: now,
	}, nil, nil
}

func (q *PostgresQueue[T]) routePoisoned(ctx context.Context, rec *postgresRecord) error {
	if q.deadLetter == nil {
		q.logger.Debug("message dropped",
			slog.String("queue", q.name),
			slog.String("id", rec.id))
		return nil
	}
	value, err := q.serializer.Deserialize(rec.payload)
	if err != nil {
		return &DeserializationError{
			Message: fmt.Sprintf("deserialize payload of message %q for dead-letter routing", rec.id),
			Raw:     rec.payload,
			Cause:   err,
		}
	}
	if err := q.deadLetter.Enqueue(ctx, Message[T]{
		ID:        rec.id,
		Payload:   value,
		CreatedAt: rec.createdAt,
	}); err != nil {
		return err
	}
	q.logger.Debug("message dead-lettered",
		slog.String("queue", q.name),
		slog.String("id", rec.id))
	return nil
}

func (q *PostgresQueue[T]) Acknowledge(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrQueueDisposed
	}

	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE queue = $1 AND id = $2`, q.name, id)
	if err != nil {
		return fmt.Errorf("acknowledge message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acknowledge message: %w", err)
	}
	if affected == 0 {
		return &MessageNotFoundError{MessageID: id}
	}
	return nil
}

func (q *PostgresQueue[T]) Reject(ctx context.Context, id string, requeue bool) (*Message[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return nil, ErrQueueDisposed
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reject: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		payload   []byte
		createdAt time.Time
	)
	err = tx.QueryRowContext(ctx, `
		SELECT payload, created_at FROM queue_messages
		 WHERE queue = $1 AND id = $2
		 FOR UPDATE`,
		q.name, id).Scan(&payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &MessageNotFoundError{MessageID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("select message: %w", err)
	}

	value, err := q.serializer.Deserialize(payload)
	if err != nil {
		return nil, &DeserializationError{
			Message: fmt.Sprintf("deserialize payload of message %q", id),
			Raw:     payload,
			Cause:   err,
		}
	}

	if requeue {
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_messages
			   SET invisible_until = NULL,
			       position = (SELECT COALESCE(MAX(position), 0) + 1 FROM queue_messages WHERE queue = $1)
			 WHERE queue = $1 AND id = $2`,
			q.name, id); err != nil {
			return nil, fmt.Errorf("requeue message: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queue_messages WHERE queue = $1 AND id = $2`, q.name, id); err != nil {
			return nil, fmt.Errorf("drop message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reject: %w", err)
	}

	return &Message[T]{
		ID:        id,
		Payload:   value,
		CreatedAt: createdAt,
	}, nil
}

// Dispose stops the sweep and closes the pool. Safe to call more than once.
func (q *PostgresQueue[T]) Dispose() error {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return nil
	}
	q.disposed = true
	q.mu.Unlock()

	q.sweepCancel()
	<-q.sweepDone
	return q.db.Close()
}

func (q *PostgresQueue[T]) sweep(ctx context.Context, now time.Time) error {
	if q.config.MessageRetentionPeriod > 0 {
		cutoff := now.Add(-q.config.MessageRetentionPeriod)
		if _, err := q.db.ExecContext(ctx,
			`DELETE FROM queue_messages WHERE queue = $1 AND created_at < $2`,
			q.name, cutoff.UTC()); err != nil {
			return fmt.Errorf("retention sweep: %w", err)
		}
	}
	if _, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages SET invisible_until = NULL
		 WHERE queue = $1 AND invisible_until IS NOT NULL AND invisible_until <= $2`,
		q.name, now.UTC()); err != nil {
		return fmt.Errorf("visibility sweep: %w", err)
	}
	return nil
}

func (q *PostgresQueue[T]) sweepLoop(ctx context.Context) {
	defer close(q.sweepDone)

	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.mu.Lock()
			if q.disposed {
				q.mu.Unlock()
				return
			}
			if err := q.sweep(ctx, q.nowFn()); err != nil && ctx.Err() == nil {
				q.logger.Warn("sweep failed",
					slog.String("queue", q.name),
					slog.Any("err", err))
			}
			q.mu.Unlock()
		}
	}
}
