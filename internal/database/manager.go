package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"careflow/internal/logging"
	dbconfig "careflow/pkg/database"
	"careflow/pkg/interfaces"
	"careflow/pkg/types"
)

var _ interfaces.ActionStore = (*Manager)(nil)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager is the SQLite action store. Reads go straight to the pool; every
// write is funneled through one goroutine so SQLite never sees two writers.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	log          *zap.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	stopped      chan struct{}
	wg           sync.WaitGroup
	retryDelay   time.Duration
	writeTimeout time.Duration

	closed bool
	mu     sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies the embedded migrations, checks the
// resulting schema and starts the writer.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if dir := filepath.Dir(config.DatabasePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		log:          logging.Component(logger, "database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
		retryDelay:   time.Second,
		writeTimeout: 30 * time.Second,
	}
	m.wg.Add(1)
	go m.writeLoop()

	m.log.Info("database ready", zap.String("path", config.DatabasePath))
	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.stopped)

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if isBusy(err) {
				m.log.Warn("database busy, retrying write", zap.Duration("delay", m.retryDelay), zap.Error(err))
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
			}
			op.result <- err

		case <-m.shutdown:
			m.log.Debug("write loop shutting down")
			m.drainWrites()
			return
		}
	}
}

// drainWrites refuses every write still queued at shutdown so no caller
// waits on a result that will never come.
func (m *Manager) drainWrites() {
	for {
		select {
		case op := <-m.writeChannel:
			op.result <- ErrManagerClosed
		default:
			return
		}
	}
}

// isBusy reports lock contention, the only write failure worth retrying.
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// executeWrite queues a write operation and waits for completion.
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.writeTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		// The writer answers everything it took before exiting. Anything
		// queued after its final drain is never run.
		select {
		case err := <-result:
			return err
		default:
			return ErrManagerClosed
		}
	}
}

// CreateAction inserts a new action together with any notes it carries.
func (m *Manager) CreateAction(ctx context.Context, action *types.ClinicalAction) error {
	details, err := marshalDetails(action.Details)
	if err != nil {
		return err
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO clinical_actions (
				id, patient_id, action_type, title, description, department_assigned,
				status, priority, initiated_by, assigned_to, details,
				completed_at, completed_by, completion_notes, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			action.ID,
			action.PatientID,
			action.ActionType,
			action.Title,
			action.Description,
			action.DepartmentAssigned,
			action.Status,
			action.Priority,
			action.InitiatedBy,
			nullString(action.AssignedTo),
			details,
			nullTime(action.CompletedAt),
			nullString(action.CompletedBy),
			nullString(action.CompletionNotes),
			action.CreatedAt.UTC(),
			action.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert action: %w", err)
		}

		for i, note := range action.Notes {
			if err := insertNote(ctx, tx, action.ID, note, i+1); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// GetAction loads one action with its notes in append order.
func (m *Manager) GetAction(ctx context.Context, id string) (*types.ClinicalAction, error) {
	row := m.db.QueryRowContext(ctx, selectActions+" WHERE id = ?", id)
	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", types.ErrActionNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	notes, err := m.loadNotes(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	action.Notes = notesOrEmpty(notes[id])
	return action, nil
}

// UpdateStatus writes the status fields of next only when the stored status
// still equals expected.
func (m *Manager) UpdateStatus(ctx context.Context, next *types.ClinicalAction, expected types.ActionStatus) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE clinical_actions
			SET status = ?, assigned_to = ?, completed_at = ?, completed_by = ?,
				completion_notes = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			next.Status,
			nullString(next.AssignedTo),
			nullTime(next.CompletedAt),
			nullString(next.CompletedBy),
			nullString(next.CompletionNotes),
			next.UpdatedAt.UTC(),
			next.ID,
			expected,
		)
		if err != nil {
			return fmt.Errorf("failed to update action status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}

		exists, err := actionExists(ctx, db, next.ID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", types.ErrActionNotFound, next.ID)
		}
		return fmt.Errorf("%w: %s is no longer %s", interfaces.ErrStaleAction, next.ID, expected)
	})
}

// AppendNote adds a note after the existing ones and touches updated_at.
func (m *Manager) AppendNote(ctx context.Context, actionID string, note types.Note) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			"UPDATE clinical_actions SET updated_at = ? WHERE id = ?",
			note.CreatedAt.UTC(), actionID)
		if err != nil {
			return fmt.Errorf("failed to touch action: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", types.ErrActionNotFound, actionID)
		}

		var seq int
		err = tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), 0) + 1 FROM action_notes WHERE action_id = ?",
			actionID).Scan(&seq)
		if err != nil {
			return fmt.Errorf("failed to compute note sequence: %w", err)
		}
		if err := insertNote(ctx, tx, actionID, note, seq); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListActions returns matching actions, newest first.
func (m *Manager) ListActions(ctx context.Context, filter interfaces.ActionFilter) ([]*types.ClinicalAction, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if filter.PatientID != "" {
		clauses = append(clauses, "patient_id = ?")
		args = append(args, filter.PatientID)
	}
	if filter.InitiatedBy != "" {
		clauses = append(clauses, "initiated_by = ?")
		args = append(args, filter.InitiatedBy)
	}
	if len(filter.Departments) > 0 {
		clauses = append(clauses, "department_assigned IN ("+placeholders(len(filter.Departments))+")")
		args = append(args, lo.ToAnySlice(filter.Departments)...)
	}

	query := selectActions
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	actions := []*types.ClinicalAction{}
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating action rows: %w", err)
	}
	if len(actions) == 0 {
		return actions, nil
	}

	ids := lo.Map(actions, func(a *types.ClinicalAction, _ int) string { return a.ID })
	notes, err := m.loadNotes(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, action := range actions {
		action.Notes = notesOrEmpty(notes[action.ID])
	}
	return actions, nil
}

// HealthCheck validates connectivity and that the actions table is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM clinical_actions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

const selectActions = `
	SELECT id, patient_id, action_type, title, description, department_assigned,
		status, priority, initiated_by, assigned_to, details,
		completed_at, completed_by, completion_notes, created_at, updated_at
	FROM clinical_actions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*types.ClinicalAction, error) {
	var (
		a               types.ClinicalAction
		assignedTo      sql.NullString
		details         sql.NullString
		completedAt     sql.NullTime
		completedBy     sql.NullString
		completionNotes sql.NullString
	)
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ActionType,
		&a.Title,
		&a.Description,
		&a.DepartmentAssigned,
		&a.Status,
		&a.Priority,
		&a.InitiatedBy,
		&assignedTo,
		&details,
		&completedAt,
		&completedBy,
		&completionNotes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan action row: %w", err)
	}

	a.AssignedTo = assignedTo.String
	a.CompletedBy = completedBy.String
	a.CompletionNotes = completionNotes.String
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &a.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action details: %w", err)
		}
	}
	return &a, nil
}

func (m *Manager) loadNotes(ctx context.Context, actionIDs []string) (map[string][]types.Note, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT action_id, id, user_id, note, created_at
		FROM action_notes
		WHERE action_id IN (`+placeholders(len(actionIDs))+`)
		ORDER BY action_id, seq`,
		lo.ToAnySlice(actionIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type row struct {
		actionID string
		note     types.Note
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.actionID, &r.note.ID, &r.note.UserID, &r.note.Text, &r.note.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan note row: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating note rows: %w", err)
	}

	grouped := lo.GroupBy(all, func(r row) string { return r.actionID })
	return lo.MapValues(grouped, func(rs []row, _ string) []types.Note {
		return lo.Map(rs, func(r row, _ int) types.Note { return r.note })
	}), nil
}

func insertNote(ctx context.Context, tx *sql.Tx, actionID string, note types.Note, seq int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO action_notes (id, action_id, user_id, note, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		note.ID, actionID, note.UserID, note.Text, seq, note.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}
	return nil
}

func actionExists(ctx context.Context, db *sql.DB, id string) (bool, error) {
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM clinical_actions WHERE id = ?", id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check action: %w", err)
	}
	return n > 0, nil
}

func marshalDetails(details map[string]interface{}) (sql.NullString, error) {
	if len(details) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal action details: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func notesOrEmpty(notes []types.Note) []types.Note {
	if notes == nil {
		return []types.Note{}
	}
	return notes
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
