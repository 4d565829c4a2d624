// Package postgres provides PostgreSQL infrastructure for the reconciliation
// service, including the transactional outbox used to publish mapping
// lifecycle events without dual-write anomalies.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// advisoryLockID serializes outbox polling across relay replicas.
const advisoryLockID = int64(904417)

// Entry is one event awaiting publication.
type Entry struct {
	ID          int64
	MappingID   string
	EventType   string
	Payload     json.RawMessage
	Topic       string
	Key         string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	RetryCount  int
	LastError   *string
}

// RelayConfig controls the outbox relay loop.
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries is how many publish attempts an entry gets before it is
	// diverted to the dead-letter topic.
	MaxRetries      int
	DeadLetterTopic string
}

// DefaultRelayConfig returns defaults sized for mapping-event volume.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       200,
		PollInterval:    250 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
	}
}

// Publisher publishes a single record to the event stream.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Relay polls the outbox table and publishes pending entries.
type Relay struct {
	pool      *pgxpool.Pool
	config    RelayConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates an outbox relay.
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry appends an entry within the caller's transaction. It must run in
// the same transaction as the mapping row mutation it describes.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *Entry) error {
	query := `
		INSERT INTO outbox (mapping_id, event_type, payload, topic, key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := tx.QueryRow(ctx, query,
		entry.MappingID,
		entry.EventType,
		entry.Payload,
		entry.Topic,
		entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start begins the poll loop.
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop drains the loop and returns once it has exited.
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.drainBatch()
		}
	}
}

func (r *Relay) drainBatch() {
	ctx, span := r.tracer.Start(r.ctx, "outbox_drain_batch")
	defer span.End()

	var acquired bool
	if err := r.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", advisoryLockID).Scan(&acquired); err != nil || !acquired {
		return
	}
	defer r.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID)

	entries, err := r.fetchPending(ctx)
	if err != nil {
		r.logger.Error("fetch outbox entries failed", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := r.publishEntry(ctx, entry); err != nil {
			r.logger.Error("publish outbox entry failed",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
		}
	}
}

func (r *Relay) fetchPending(ctx context.Context) ([]*Entry, error) {
	query := `
		SELECT id, mapping_id, event_type, payload, topic, key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := r.pool.Query(ctx, query, r.config.MaxRetries, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		err := rows.Scan(
			&entry.ID, &entry.MappingID, &entry.EventType, &entry.Payload,
			&entry.Topic, &entry.Key, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *Relay) publishEntry(ctx context.Context, entry *Entry) error {
	ctx, span := r.tracer.Start(ctx, "outbox_publish_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("mapping_id", entry.MappingID),
		))
	defer span.End()

	if err := r.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		errStr := err.Error()
		if _, uerr := r.pool.Exec(ctx,
			`UPDATE outbox SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2`,
			errStr, entry.ID); uerr != nil {
			r.logger.Error("update retry count failed", zap.Error(uerr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish: %w", err)
	}

	if _, err := r.pool.Exec(ctx, `UPDATE outbox SET processed_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}

	r.logger.Debug("outbox entry published",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.Topic))
	return nil
}

// DivertExhausted moves entries that exhausted their retries to the
// dead-letter topic so the outbox never wedges on a poison entry.
func (r *Relay) DivertExhausted(ctx context.Context) (int64, error) {
	query := `
		SELECT id, mapping_id, event_type, payload, topic, key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := r.pool.Query(ctx, query, r.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query exhausted entries: %w", err)
	}
	defer rows.Close()

	var exhausted []*Entry
	for rows.Next() {
		entry := &Entry{}
		if err := rows.Scan(
			&entry.ID, &entry.MappingID, &entry.EventType, &entry.Payload,
			&entry.Topic, &entry.Key, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return 0, fmt.Errorf("scan exhausted row: %w", err)
		}
		exhausted = append(exhausted, entry)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range exhausted {
		payload, _ := json.Marshal(map[string]interface{}{
			"original_topic": entry.Topic,
			"event_type":     entry.EventType,
			"mapping_id":     entry.MappingID,
			"payload":        entry.Payload,
			"retry_count":    entry.RetryCount,
			"last_error":     entry.LastError,
			"created_at":     entry.CreatedAt,
		})

		if err := r.publisher.Publish(ctx, r.config.DeadLetterTopic, entry.Key, payload); err != nil {
			r.logger.Error("dead-letter publish failed", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		if _, err := r.pool.Exec(ctx, `UPDATE outbox SET processed_at = NOW() WHERE id = $1`, entry.ID); err != nil {
			r.logger.Error("mark dead-lettered entry failed", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// CleanupProcessed deletes published entries older than the given age.
func (r *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return result.RowsAffected(), nil
}

// Pending reports the number of unpublished entries still within retry budget.
func (r *Relay) Pending(ctx context.Context) (int64, error) {
	var pending int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL AND retry_count < $1`,
		r.config.MaxRetries).Scan(&pending)
	if err != nil {
		return 0, err
	}
	return pending, nil
}
