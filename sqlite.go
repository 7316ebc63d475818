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

	_ "modernc.org/sqlite"
)

const sqliteSchemaVersion = 1

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS queue_messages (
  queue           TEXT NOT NULL,
  id              TEXT NOT NULL,
  payload         BLOB NOT NULL,
  created_at      INTEGER NOT NULL,
  receive_count   INTEGER NOT NULL DEFAULT 0,
  invisible_until INTEGER,
  position        INTEGER NOT NULL,
  PRIMARY KEY (queue, id)
);
CREATE INDEX IF NOT EXISTS idx_queue_messages_ready
  ON queue_messages(queue, position);
CREATE INDEX IF NOT EXISTS idx_queue_messages_visibility
  ON queue_messages(queue, invisible_until);
CREATE INDEX IF NOT EXISTS idx_queue_messages_created
  ON queue_messages(queue, created_at);
`

// SQLiteOption tunes a SQLite-backed queue at construction.
type SQLiteOption[T any] func(*SQLiteQueue[T])

func WithSQLiteNowFunc[T any](now func() time.Time) SQLiteOption[T] {
	return func(q *SQLiteQueue[T]) {
		if now != nil {
			q.nowFn = now
		}
	}
}

// WithSQLiteSerializer overrides the payload codec. The default stores
// payloads as JSON.
func WithSQLiteSerializer[T any](s Serializer[T, []byte]) SQLiteOption[T] {
	return func(q *SQLiteQueue[T]) {
		if s != nil {
			q.serializer = s
		}
	}
}

func WithSQLiteDeadLetterQueue[T any](dlq Queue[T]) SQLiteOption[T] {
	return func(q *SQLiteQueue[T]) {
		q.deadLetter = dlq
	}
}

func WithSQLiteIDGenerator[T any](gen IDGenerator) SQLiteOption[T] {
	return func(q *SQLiteQueue[T]) {
		if gen != nil {
			q.idGen = gen
		}
	}
}

func WithSQLiteSweepInterval[T any](d time.Duration) SQLiteOption[T] {
	return func(q *SQLiteQueue[T]) {
		if d > 0 {
			q.sweepInterval = d
		}
	}
}

func WithSQLiteLogger[T any](logger *slog.Logger) SQLiteOption[T] {
	return func(q *SQLiteQueue[T]) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// SQLiteQueue is a durable single-file backend for the Queue contract.
// Payloads are stored as bytes through a Serializer[T, []byte] (JSON by
// default). Several queues may share one database file; rows are keyed by
// queue name. Semantics match the in-memory engine: FIFO among visible,
// strict receive-count poisoning, retention at enqueue and sweep,
// remove-then-route dead-letter transfer.
type SQLiteQueue[T any] struct {
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

var _ Queue[int] = (*SQLiteQueue[int])(nil)

// NewSQLiteQueue opens (or creates) the database at path, migrates the
// schema, and starts the background sweep. The queue owns the connection;
// Dispose closes it.
func NewSQLiteQueue[T any](path, name string, config Configuration, opts ...SQLiteOption[T]) (*SQLiteQueue[T], error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("queue %q: %w", name, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// The modernc driver is not safe for concurrent writes on one file
	// without a busy timeout; WAL keeps readers off the writer's back.
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA synchronous=NORMAL;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	q := &SQLiteQueue[T]{
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

func migrateSQLite(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_info (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_info: %w", err)
	}
	var version int
	err := db.QueryRow(`SELECT version FROM schema_info LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.Exec(`INSERT INTO schema_info (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_info: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > sqliteSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, sqliteSchemaVersion)
	}
	if version < 1 {
		if _, err := db.Exec(sqliteSchemaV1); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	if _, err := db.Exec(`UPDATE schema_info SET version = ?`, sqliteSchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

func (q *SQLiteQueue[T]) Enqueue(ctx context.Context, msg Message[T]) error {
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

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM queue_messages WHERE queue = ? AND id = ?`,
		q.name, msg.ID).Scan(&exists)
	switch {
	case err == nil:
		return fmt.Errorf("queue %q: message %q: %w", q.name, msg.ID, ErrDuplicateID)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check duplicate: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_messages (queue, id, payload, created_at, receive_count, invisible_until, position)
		VALUES (?, ?, ?, ?, 0, NULL,
		        (SELECT COALESCE(MAX(position), 0) + 1 FROM queue_messages WHERE queue = ?))`,
		q.name, msg.ID, stored, msg.CreatedAt.UnixNano(), q.name); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

func (q *SQLiteQueue[T]) EnqueuePayload(ctx context.Context, payload T) error {
	return q.Enqueue(ctx, Message[T]{
		ID:        q.idGen(),
		Payload:   payload,
		CreatedAt: q.nowFn(),
	})
}

func (q *SQLiteQueue[T]) Dequeue(ctx context.Context) (*Message[T], error) {
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

	// One candidate per transaction: a poisoned candidate is deleted and
	// committed before its dead-letter enqueue runs, so the message is never
	// observable in both queues.
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

type sqliteRecord struct {
	id        string
	payload   []byte
	createdAt time.Time
}

// takeCandidate claims the first visible row. At most one of the first two
// returns is set: a delivered message, or a poisoned record for routing;
// both are nil when the queue has no visible rows or an error is returned.
func (q *SQLiteQueue[T]) takeCandidate(ctx context.Context, now time.Time) (*Message[T], *sqliteRecord, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin dequeue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id           string
		payload      []byte
		createdAt    int64
		receiveCount int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, payload, created_at, receive_count
		  FROM queue_messages
		 WHERE queue = ? AND (invisible_until IS NULL OR invisible_until <= ?)
		 ORDER BY position
		 LIMIT 1`,
		q.name, now.UnixNano()).Scan(&id, &payload, &createdAt, &receiveCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("select candidate: %w", err)
	}

	rec := sqliteRecord{id: id, payload: payload, createdAt: time.Unix(0, createdAt)}
	if receiveCount+1 > q.config.MaxReceiveCount {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queue_messages WHERE queue = ? AND id = ?`, q.name, id); err != nil {
			return nil, nil, fmt.Errorf("delete poisoned message: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, fmt.Errorf("commit poison removal: %w", err)
		}
		return nil, &rec, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_messages
		   SET receive_count = receive_count + 1, invisible_until = ?
		 WHERE queue = ? AND id = ?`,
		now.Add(q.config.VisibilityTimeout).UnixNano(), q.name, id); err != nil {
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
		CreatedAt:   rec.createdAt,
		ProcessedAt: now,
	}, nil, nil
}

func (q *SQLiteQueue[T]) routePoisoned(ctx context.Context, rec *sqliteRecord) error {
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

func (q *SQLiteQueue[T]) Acknowledge(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrQueueDisposed
	}

	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE queue = ? AND id = ?`, q.name, id)
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

func (q *SQLiteQueue[T]) Reject(ctx context.Context, id string, requeue bool) (*Message[T], error) {
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
		createdAt int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT payload, created_at FROM queue_messages WHERE queue = ? AND id = ?`,
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
			       position = (SELECT COALESCE(MAX(position), 0) + 1 FROM queue_messages WHERE queue = ?)
			 WHERE queue = ? AND id = ?`,
			q.name, q.name, id); err != nil {
			return nil, fmt.Errorf("requeue message: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queue_messages WHERE queue = ? AND id = ?`, q.name, id); err != nil {
			return nil, fmt.Errorf("drop message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reject: %w", err)
	}

	return &Message[T]{
		ID:        id,
		Payload:   value,
		CreatedAt: time.Unix(0, createdAt),
	}, nil
}

// Dispose stops the sweep and closes the database. Safe to call more than
// once.
func (q *SQLiteQueue[T]) Dispose() error {
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

// Len reports the number of live rows for this queue, visible or not.
func (q *SQLiteQueue[T]) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return 0, ErrQueueDisposed
	}
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_messages WHERE queue = ?`, q.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// sweep purges retention-expired rows and clears expired visibility markers.
func (q *SQLiteQueue[T]) sweep(ctx context.Context, now time.Time) error {
	if q.config.MessageRetentionPeriod > 0 {
		cutoff := now.Add(-q.config.MessageRetentionPeriod)
		if _, err := q.db.ExecContext(ctx,
			`DELETE FROM queue_messages WHERE queue = ? AND created_at < ?`,
			q.name, cutoff.UnixNano()); err != nil {
			return fmt.Errorf("retention sweep: %w", err)
		}
	}
	if _, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages SET invisible_until = NULL
		 WHERE queue = ? AND invisible_until IS NOT NULL AND invisible_until <= ?`,
		q.name, now.UnixNano()); err != nil {
		return fmt.Errorf("visibility sweep: %w", err)
	}
	return nil
}

func (q *SQLiteQueue[T]) sweepLoop(ctx context.Context) {
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
