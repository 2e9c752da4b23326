package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/EpicMandM/lab-session-manager/internal/models"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// SQLStore implements Store on SQLite or PostgreSQL. Queries are written
// with ? placeholders and rebound for PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// Open connects to the database for the given dialect and creates the
// schema when missing. For SQLite, dsn is a file or directory path.
func Open(dialect, dsn string) (*SQLStore, error) {
	switch dialect {
	case DialectSQLite:
		return NewSQLiteStore(dsn)
	case DialectPostgres:
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}
}

func NewSQLiteStore(path string) (*SQLStore, error) {
	dbPath, err := resolveDBPath(path)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time; the UNIQUE constraint still decides conflicts.
	db.SetMaxOpenConns(1)

	return newSQLStore(db, DialectSQLite)
}

func NewPostgresStore(databaseURL string) (*SQLStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, errors.Join(fmt.Errorf("ping database: %w", err), db.Close())
	}

	return newSQLStore(db, DialectPostgres)
}

func newSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, errors.Join(err, cerr)
		}
		return nil, err
	}
	return s, nil
}

func resolveDBPath(path string) (string, error) {
	abs := filepath.Clean(path)
	if strings.HasSuffix(abs, ".db") {
		if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
			return "", err
		}
		return abs, nil
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return "", err
	}
	return filepath.Join(abs, "store.db"), nil
}

func (s *SQLStore) initSchema() error {
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bookings (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			resource_key TEXT NOT NULL,
			slot_start TEXT NOT NULL,
			created TEXT NOT NULL,
			data ` + blob + ` NOT NULL,
			UNIQUE (resource_key, slot_start)
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_stops (
			session_id TEXT PRIMARY KEY,
			resource_key TEXT NOT NULL,
			slot_end TEXT NOT NULL,
			data ` + blob + ` NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) InsertBooking(ctx context.Context, b *models.Booking) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO bookings (id, user_id, resource_key, slot_start, created, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_key, slot_start) DO NOTHING`),
		b.ID, b.UserID, b.ResourceKey, formatSlot(b.SlotStart), b.Created.UTC().Format(time.RFC3339Nano), data)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return models.ErrConflict
	}
	return nil
}

func (s *SQLStore) GetBooking(ctx context.Context, resourceKey string, slotStart time.Time) (*models.Booking, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM bookings WHERE resource_key = ? AND slot_start = ?`),
		resourceKey, formatSlot(slotStart)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	var booking models.Booking
	if err := json.Unmarshal(raw, &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

// ListBookings returns bookings with from <= slot_start < to, oldest first.
func (s *SQLStore) ListBookings(ctx context.Context, resourceKey string, from, to time.Time) ([]*models.Booking, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT data FROM bookings
		WHERE resource_key = ? AND slot_start >= ? AND slot_start < ?
		ORDER BY slot_start`),
		resourceKey, formatSlot(from), formatSlot(to))
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var bookings []*models.Booking
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var b models.Booking
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		bookings = append(bookings, &b)
	}
	return bookings, rows.Err()
}

func (s *SQLStore) SaveScheduledStop(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO scheduled_stops (session_id, resource_key, slot_end, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET resource_key = excluded.resource_key, slot_end = excluded.slot_end, data = excluded.data`),
		session.ID, session.ResourceKey, formatSlot(session.SlotEnd), data)
	if err != nil {
		return fmt.Errorf("save scheduled stop: %w", err)
	}
	return nil
}

func (s *SQLStore) ListScheduledStops(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM scheduled_stops ORDER BY slot_end, session_id`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled stops: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var sessions []*models.Session
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var session models.Session
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, err
		}
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}

func (s *SQLStore) DeleteScheduledStop(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM scheduled_stops WHERE session_id = ?`), sessionID)
	if err != nil {
		return fmt.Errorf("delete scheduled stop: %w", err)
	}
	return nil
}
