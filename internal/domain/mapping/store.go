package mapping

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medbridge/go-pix/internal/infrastructure/postgres"
)

const uniqueViolation = "23505"

const mappingColumns = `
	mapping_id, archive_patient_id, registry_patient_id, mapping_type,
	sync_status, error_message, created_at, last_sync_at, is_active
`

// TopicMappingEvents is the stream every mapping lifecycle event is
// published to via the outbox.
const TopicMappingEvents = "mapping.events"

// Store persists patient mappings in PostgreSQL. Every write that changes
// mapping state also writes an outbox entry in the same transaction.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a mapping store.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// Create inserts a new active mapping. The partial unique index on
// archive_patient_id (among active rows) makes concurrent creates for the
// same archive patient lose with ErrDuplicate rather than producing a
// second active mapping.
func (s *Store) Create(ctx context.Context, m *PatientMapping) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO patient_mappings
		(mapping_id, archive_patient_id, registry_patient_id, mapping_type,
		 sync_status, error_message, last_sync_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		RETURNING created_at
	`
	err = tx.QueryRow(ctx, query,
		m.ID, m.ArchivePatientID, m.RegistryPatientID, m.Type,
		m.SyncStatus, m.ErrorMessage, m.LastSyncAt,
	).Scan(&m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("insert mapping: %w", err)
	}
	m.Active = true

	if err := s.writeEvent(ctx, tx, m, EventMappingCreated); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("mapping created",
		zap.String("mapping_id", m.ID),
		zap.String("archive_patient_id", m.ArchivePatientID),
		zap.String("registry_patient_id", m.RegistryPatientID),
		zap.String("mapping_type", string(m.Type)))
	return nil
}

// GetByID returns a mapping regardless of is_active, so soft-deleted rows
// remain retrievable by identifier.
func (s *Store) GetByID(ctx context.Context, id string) (*PatientMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM patient_mappings WHERE mapping_id = $1`
	return s.scanOne(s.pool.QueryRow(ctx, query, id))
}

// GetActiveByArchiveID returns the active mapping for an archive patient.
func (s *Store) GetActiveByArchiveID(ctx context.Context, archiveID string) (*PatientMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM patient_mappings WHERE archive_patient_id = $1 AND is_active`
	return s.scanOne(s.pool.QueryRow(ctx, query, archiveID))
}

// GetActiveByPair returns the active mapping for an exact
// (archive, registry) patient pair.
func (s *Store) GetActiveByPair(ctx context.Context, archiveID, registryID string) (*PatientMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM patient_mappings WHERE archive_patient_id = $1 AND registry_patient_id = $2 AND is_active`
	return s.scanOne(s.pool.QueryRow(ctx, query, archiveID, registryID))
}

// ListActive returns all active mappings ordered newest first.
func (s *Store) ListActive(ctx context.Context) ([]*PatientMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM patient_mappings WHERE is_active ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*PatientMapping
	for rows.Next() {
		m, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// ActiveArchiveIDs returns the set of archive patient IDs that already have
// an active mapping. The batch sweep subtracts these before reconciling.
func (s *Store) ActiveArchiveIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT archive_patient_id FROM patient_mappings WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("list active archive ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// Deactivate soft-deletes a mapping. The row survives and stays readable
// through GetByID.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE patient_mappings SET is_active = FALSE
		WHERE mapping_id = $1 AND is_active
		RETURNING ` + mappingColumns
	m, err := s.scanOne(tx.QueryRow(ctx, query, id))
	if err != nil {
		return err
	}

	if err := s.writeEvent(ctx, tx, m, EventMappingDeactivated); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("mapping deactivated", zap.String("mapping_id", id))
	return nil
}

// UpdateSyncState persists the sync status, error message and last sync
// time of a mapping after validation.
func (s *Store) UpdateSyncState(ctx context.Context, m *PatientMapping) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE patient_mappings
		SET sync_status = $1, error_message = $2, last_sync_at = $3
		WHERE mapping_id = $4
	`, m.SyncStatus, m.ErrorMessage, m.LastSyncAt, m.ID)
	if err != nil {
		return fmt.Errorf("update sync state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := s.writeEvent(ctx, tx, m, EventMappingSyncChanged); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("mapping sync state updated",
		zap.String("mapping_id", m.ID),
		zap.String("sync_status", string(m.SyncStatus)))
	return nil
}

func (s *Store) writeEvent(ctx context.Context, tx pgx.Tx, m *PatientMapping, eventType EventType) error {
	event, err := NewEvent(m, eventType)
	if err != nil {
		return fmt.Errorf("build %s event: %w", eventType, err)
	}
	return postgres.WriteEntry(ctx, tx, &postgres.Entry{
		MappingID: m.ID,
		EventType: string(eventType),
		Payload:   event.Payload,
		Topic:     TopicMappingEvents,
		Key:       m.ArchivePatientID,
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOne(row rowScanner) (*PatientMapping, error) {
	m, err := s.scanRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func (s *Store) scanRow(row rowScanner) (*PatientMapping, error) {
	m := &PatientMapping{}
	err := row.Scan(
		&m.ID, &m.ArchivePatientID, &m.RegistryPatientID, &m.Type,
		&m.SyncStatus, &m.ErrorMessage, &m.CreatedAt, &m.LastSyncAt, &m.Active,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}
