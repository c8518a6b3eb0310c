package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/resumai/resumai/internal/domain"
	"github.com/resumai/resumai/internal/shared"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	conflictRetries   = 4
	conflictBaseDelay = 25 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Immediate transactions take the write lock up front, so the
	// read-then-bind sequence in BindUser cannot interleave across connections.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger.Named("store")}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		status TEXT NOT NULL CHECK (status IN ('free', 'bound')),
		user_id TEXT,
		created_at INTEGER NOT NULL,
		bound_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_single_free ON sessions(status) WHERE status = 'free';

	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		session_id TEXT NOT NULL UNIQUE REFERENCES sessions(session_id),
		authoring_mode TEXT NOT NULL DEFAULT 'unset',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS draft_sections (
		session_id TEXT NOT NULL,
		section TEXT NOT NULL,
		content TEXT NOT NULL,
		position INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, section)
	);

	CREATE TABLE IF NOT EXISTS review_requests (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		draft TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('open', 'resolved')),
		outcome TEXT,
		created_at INTEGER NOT NULL,
		resolved_at INTEGER,
		notified_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_review_single_open ON review_requests(session_id) WHERE status = 'open';
	CREATE INDEX IF NOT EXISTS idx_review_session ON review_requests(session_id, resolved_at);

	CREATE TABLE IF NOT EXISTS interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		display_name TEXT NOT NULL,
		message_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		platform_ts TEXT NOT NULL,
		site_url TEXT NOT NULL,
		is_bot INTEGER NOT NULL DEFAULT 0,
		had_files INTEGER NOT NULL DEFAULT 0,
		authoring_mode TEXT NOT NULL,
		intent TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, display_name, session_id, authoring_mode, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var mode string
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.DisplayName, &user.SessionID, &mode, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.AuthoringMode = domain.ParseAuthoringMode(mode)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// BindUser resolves or creates the user's session binding in one transaction.
func (s *SQLiteStore) BindUser(ctx context.Context, userID, displayName, fallbackSessionID string) (string, bool, error) {
	var sessionID string
	var created bool

	err := shared.RetryOnConflict(ctx, conflictRetries, conflictBaseDelay, func() error {
		var err error
		sessionID, created, err = s.bindUserOnce(ctx, userID, displayName, fallbackSessionID)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return sessionID, created, nil
}

func (s *SQLiteStore) bindUserOnce(ctx context.Context, userID, displayName, fallbackSessionID string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin bind transaction: %w", err)
	}
	defer rollback(tx, s.logger)

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT session_id FROM users WHERE user_id = ?`, userID).Scan(&existing)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("commit bind lookup: %w", err)
		}
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("lookup user session: %w", err)
	}

	now := time.Now()

	// Conditional claim: only a row that is still free can be bound.
	var sessionID string
	err = tx.QueryRowContext(ctx, `
		UPDATE sessions SET status = 'bound', user_id = ?, bound_at = ?
		WHERE session_id = (
			SELECT session_id FROM sessions WHERE status = 'free' ORDER BY created_at LIMIT 1
		) AND status = 'free'
		RETURNING session_id`, userID, now.Unix()).Scan(&sessionID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if fallbackSessionID == "" {
			return "", false, errors.New("no free session and no fallback session id")
		}
		sessionID = fallbackSessionID
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, status, user_id, created_at, bound_at)
			VALUES (?, 'bound', ?, ?, ?)`,
			sessionID, userID, now.UnixNano(), now.Unix()); err != nil {
			return "", false, fmt.Errorf("insert synthesized session: %w", err)
		}
		s.logger.Info("No free session found, synthesized one",
			zap.String("user_id", userID), zap.String("session_id", sessionID))
	case err != nil:
		return "", false, fmt.Errorf("claim free session: %w", err)
	default:
		s.logger.Info("Assigned free session",
			zap.String("user_id", userID), zap.String("session_id", sessionID))
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (user_id, display_name, session_id, authoring_mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, displayName, sessionID, string(domain.ModeUnset), now.Unix(), now.Unix()); err != nil {
		return "", false, fmt.Errorf("insert user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit bind transaction: %w", err)
	}
	return sessionID, true, nil
}

// CreateFreeSession inserts a free session. The partial unique index keeps
// at most one free row, so a losing concurrent insert is silently ignored.
func (s *SQLiteStore) CreateFreeSession(ctx context.Context, sessionID string) (bool, error) {
	var rows int64
	err := shared.RetryOnConflict(ctx, conflictRetries, conflictBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO sessions (session_id, status, created_at)
			VALUES (?, 'free', ?)`, sessionID, time.Now().UnixNano())
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("create free session: %w", err)
	}
	return rows == 1, nil
}

// CountSessions counts sessions in the given status.
func (s *SQLiteStore) CountSessions(ctx context.Context, status domain.SessionStatus) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status = ?`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// SetAuthoringMode overwrites the user's authoring mode.
func (s *SQLiteStore) SetAuthoringMode(ctx context.Context, userID string, mode domain.AuthoringMode) error {
	var rows int64
	err := shared.RetryOnConflict(ctx, conflictRetries, conflictBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE users SET authoring_mode = ?, updated_at = ? WHERE user_id = ?`,
			string(mode), time.Now().Unix(), userID)
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update authoring_mode: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("SetAuthoringMode affected 0 rows", zap.String("user_id", userID))
		return ErrNotFound
	}
	return nil
}

// PutDraftSection upserts one section of a session's draft.
func (s *SQLiteStore) PutDraftSection(ctx context.Context, sessionID, section, content string) error {
	err := shared.RetryOnConflict(ctx, conflictRetries, conflictBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO draft_sections (session_id, section, content, position, updated_at)
			VALUES (?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM draft_sections WHERE session_id = ?), ?)
			ON CONFLICT(session_id, section) DO UPDATE SET
				content = excluded.content,
				updated_at = excluded.updated_at`,
			sessionID, section, content, sessionID, time.Now().Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert draft section: %w", err)
	}
	return nil
}

// ListDraftSections returns the draft's sections in insertion order.
func (s *SQLiteStore) ListDraftSections(ctx context.Context, sessionID string) ([]domain.DraftSection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, section, content, position, updated_at
		FROM draft_sections WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query draft sections: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close draft rows", zap.Error(closeErr))
		}
	}()

	var sections []domain.DraftSection
	for rows.Next() {
		var sec domain.DraftSection
		var updatedAt int64
		if err := rows.Scan(&sec.SessionID, &sec.Name, &sec.Content, &sec.Position, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan draft section: %w", err)
		}
		sec.UpdatedAt = time.Unix(updatedAt, 0)
		sections = append(sections, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate draft sections: %w", err)
	}
	return sections, nil
}

// DeleteDraft removes every section of a session's draft.
func (s *SQLiteStore) DeleteDraft(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM draft_sections WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

// UpsertReviewRequest opens a review request or refreshes the open one.
func (s *SQLiteStore) UpsertReviewRequest(ctx context.Context, req *domain.ReviewRequest) (*domain.ReviewRequest, error) {
	var out *domain.ReviewRequest
	err := shared.RetryOnConflict(ctx, conflictRetries, conflictBaseDelay, func() error {
		var err error
		out, err = s.upsertReviewRequestOnce(ctx, req)
		return err
	})
	return out, err
}

func (s *SQLiteStore) upsertReviewRequestOnce(ctx context.Context, req *domain.ReviewRequest) (*domain.ReviewRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin review transaction: %w", err)
	}
	defer rollback(tx, s.logger)

	now := time.Now()
	out := *req
	out.Status = domain.ReviewOpen
	out.CreatedAt = now

	var existingID string
	err = tx.QueryRowContext(ctx, `
		UPDATE review_requests SET draft = ?, created_at = ?
		WHERE session_id = ? AND status = 'open'
		RETURNING id`, req.Draft, now.Unix(), req.SessionID).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO review_requests (id, session_id, draft, status, created_at)
			VALUES (?, ?, ?, 'open', ?)`, req.ID, req.SessionID, req.Draft, now.Unix()); err != nil {
			return nil, fmt.Errorf("insert review request: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("refresh open review request: %w", err)
	default:
		out.ID = existingID
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit review transaction: %w", err)
	}
	return &out, nil
}

// GetOpenReviewRequest returns the open request for a session or nil.
func (s *SQLiteStore) GetOpenReviewRequest(ctx context.Context, sessionID string) (*domain.ReviewRequest, error) {
	var req domain.ReviewRequest
	var status string
	var createdAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, draft, status, created_at
		FROM review_requests WHERE session_id = ? AND status = 'open'`, sessionID).Scan(
		&req.ID, &req.SessionID, &req.Draft, &status, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan review request: %w", err)
	}
	req.Status = domain.ReviewStatus(status)
	req.CreatedAt = time.Unix(createdAt, 0)
	return &req, nil
}

// ResolveReviewRequest resolves the open request and clears the draft.
func (s *SQLiteStore) ResolveReviewRequest(ctx context.Context, sessionID string, outcome domain.ReviewOutcome) (bool, error) {
	var resolved bool
	err := shared.RetryOnConflict(ctx, conflictRetries, conflictBaseDelay, func() error {
		var err error
		resolved, err = s.resolveReviewRequestOnce(ctx, sessionID, outcome)
		return err
	})
	return resolved, err
}

func (s *SQLiteStore) resolveReviewRequestOnce(ctx context.Context, sessionID string, outcome domain.ReviewOutcome) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin resolve transaction: %w", err)
	}
	defer rollback(tx, s.logger)

	var id string
	err = tx.QueryRowContext(ctx, `
		UPDATE review_requests SET status = 'resolved', outcome = ?, resolved_at = ?
		WHERE session_id = ? AND status = 'open'
		RETURNING id`, string(outcome), time.Now().UnixNano(), sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, tx.Commit()
	}
	if err != nil {
		return false, fmt.Errorf("resolve review request: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM draft_sections WHERE session_id = ?`, sessionID); err != nil {
		return false, fmt.Errorf("clear resolved draft: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit resolve transaction: %w", err)
	}
	return true, nil
}

// TakeOutcomeNotice returns the latest undelivered outcome and marks it delivered.
func (s *SQLiteStore) TakeOutcomeNotice(ctx context.Context, sessionID string) (domain.ReviewOutcome, bool, error) {
	var outcome string
	err := s.db.QueryRowContext(ctx, `
		UPDATE review_requests SET notified_at = ?
		WHERE id = (
			SELECT id FROM review_requests
			WHERE session_id = ? AND status = 'resolved' AND notified_at IS NULL
			ORDER BY resolved_at DESC LIMIT 1
		)
		RETURNING outcome`, time.Now().Unix(), sessionID).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("take outcome notice: %w", err)
	}
	return domain.ReviewOutcome(outcome), true, nil
}

// AppendInteraction writes one audit record.
func (s *SQLiteStore) AppendInteraction(ctx context.Context, in *domain.Interaction) error {
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	err := shared.RetryOnConflict(ctx, conflictRetries, conflictBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (
			session_id, user_id, display_name, message_id, channel_id, platform_ts,
			site_url, is_bot, had_files, authoring_mode, intent, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.SessionID, in.UserID, in.DisplayName, in.MessageID, in.ChannelID, in.PlatformTime,
			in.SiteURL, in.IsBot, in.HadFiles, string(in.AuthoringMode), in.Intent, createdAt.UnixNano(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

// ListInteractions returns a user's audit records, oldest first.
func (s *SQLiteStore) ListInteractions(ctx context.Context, userID string, limit int) ([]domain.Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, display_name, message_id, channel_id, platform_ts,
			site_url, is_bot, had_files, authoring_mode, intent, created_at
		FROM interactions WHERE user_id = ? ORDER BY id LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close interaction rows", zap.Error(closeErr))
		}
	}()

	var out []domain.Interaction
	for rows.Next() {
		var in domain.Interaction
		var mode string
		var createdAt int64
		if err := rows.Scan(&in.SessionID, &in.UserID, &in.DisplayName, &in.MessageID, &in.ChannelID,
			&in.PlatformTime, &in.SiteURL, &in.IsBot, &in.HadFiles, &mode, &in.Intent, &createdAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		in.AuthoringMode = domain.AuthoringMode(mode)
		in.CreatedAt = time.Unix(0, createdAt)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}
	return out, nil
}

func rollback(tx *sql.Tx, logger *zap.Logger) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Warn("transaction rollback failed", zap.Error(err))
	}
}

var _ Repository = (*SQLiteStore)(nil)
