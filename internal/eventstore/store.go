package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-speechstream/internal/config"
	"github.com/loqalabs/loqa-speechstream/internal/protocol"
	_ "modernc.org/sqlite"
)

// Event types recorded on a session timeline.
const (
	TypeStatus = "status"
	TypeAudio  = "audio"
	TypeDone   = "done"
)

// Session states.
const (
	StateOpen      = "open"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

var ErrNotFound = errors.New("session not found")

// Event is one entry of a session timeline. Audio events record the part id
// and size, not the audio itself.
type Event struct {
	ID        int64
	RequestID string
	Type      string
	PartID    *int
	Payload   []byte
	CreatedAt time.Time
}

// Session summarises one speech request.
type Session struct {
	RequestID     string    `json:"request_id"`
	VoiceID       string    `json:"voice_id,omitempty"`
	TextChars     int       `json:"text_chars"`
	State         string    `json:"state"`
	Error         string    `json:"error,omitempty"`
	PartsReceived int       `json:"parts_received"`
	PartsRendered int       `json:"parts_rendered"`
	PartsDropped  int       `json:"parts_dropped"`
	FirstAudioMS  int64     `json:"first_audio_ms"`
	CreatedAt     time.Time `json:"created_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Store wraps a SQLite-backed speech session timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    request_id TEXT PRIMARY KEY,
    voice_id TEXT,
    text_chars INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL,
    error TEXT,
    parts_received INTEGER NOT NULL DEFAULT 0,
    parts_rendered INTEGER NOT NULL DEFAULT 0,
    parts_dropped INTEGER NOT NULL DEFAULT 0,
    first_audio_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    part_id INTEGER,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(request_id) REFERENCES sessions(request_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_request_created ON events(request_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OpenSession records the start of a request. Reusing a request id resets
// its summary.
func (s *Store) OpenSession(ctx context.Context, requestID, voiceID string, textChars int) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(request_id, voice_id, text_chars, state, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET voice_id=excluded.voice_id, text_chars=excluded.text_chars,
		   state=excluded.state, error=NULL, finished_at=NULL`,
		requestID, voiceID, textChars, StateOpen, s.clock().UnixMilli())
	return err
}

// AppendEvent writes an event into the session timeline.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	var partID sql.NullInt64
	if evt.PartID != nil {
		partID = sql.NullInt64{Int64: int64(*evt.PartID), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(request_id, event_type, part_id, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.RequestID, evt.Type, partID, evt.Payload, evt.CreatedAt.UnixMilli())
	return err
}

// FinishSession stores the outcome of a request.
func (s *Store) FinishSession(ctx context.Context, result protocol.SpeakResult) error {
	if s.disabled() {
		return nil
	}
	state := StateCompleted
	if !result.Completed {
		state = StateFailed
	}
	finished := result.Timestamp
	if finished.IsZero() {
		finished = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(request_id, state, error, parts_received, parts_rendered, parts_dropped, first_audio_ms, created_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET state=excluded.state, error=excluded.error,
		   parts_received=excluded.parts_received, parts_rendered=excluded.parts_rendered,
		   parts_dropped=excluded.parts_dropped, first_audio_ms=excluded.first_audio_ms,
		   finished_at=excluded.finished_at`,
		result.RequestID, state, nullString(result.Error), result.PartsReceived, result.PartsRendered,
		result.PartsDropped, result.FirstAudioMS, finished.UnixMilli(), finished.UnixMilli())
	return err
}

// GetSession returns the summary of a request.
func (s *Store) GetSession(ctx context.Context, requestID string) (Session, error) {
	if s.disabled() {
		return Session{}, ErrNotFound
	}
	var (
		sess     Session
		voiceID  sql.NullString
		errText  sql.NullString
		created  int64
		finished sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT request_id, voice_id, text_chars, state, error, parts_received, parts_rendered,
		        parts_dropped, first_audio_ms, created_at, finished_at
		 FROM sessions WHERE request_id = ?`, requestID).
		Scan(&sess.RequestID, &voiceID, &sess.TextChars, &sess.State, &errText, &sess.PartsReceived,
			&sess.PartsRendered, &sess.PartsDropped, &sess.FirstAudioMS, &created, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.VoiceID = voiceID.String
	sess.Error = errText.String
	sess.CreatedAt = time.UnixMilli(created).UTC()
	if finished.Valid {
		sess.FinishedAt = time.UnixMilli(finished.Int64).UTC()
	}
	return sess, nil
}

// ListSessionEvents retrieves up to limit events for a request ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, requestID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, event_type, part_id, payload, created_at
		 FROM events WHERE request_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, requestID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			partID  sql.NullInt64
			created int64
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Type, &partID, &e.Payload, &created); err != nil {
			return nil, err
		}
		if partID.Valid {
			id := int(partID.Int64)
			e.PartID = &id
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE request_id IN (
			SELECT request_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
