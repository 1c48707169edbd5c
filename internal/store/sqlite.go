package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antoniostano/fitbuddy/internal/reminder"
)

// SQLiteStore persists to a single SQLite file. Timestamps are stored as
// unix seconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS reminders (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		slot INTEGER NOT NULL DEFAULT 0,
		time_of_day TEXT NOT NULL,
		days TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(time_of_day) WHERE active = 1;
	CREATE INDEX IF NOT EXISTS idx_reminders_user ON reminders(user_id, kind);

	CREATE TABLE IF NOT EXISTS activity_logs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL,
		calories_burned INTEGER NOT NULL,
		steps_completed INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activity_logs_user ON activity_logs(user_id, ended_at);

	CREATE TABLE IF NOT EXISTS dialogue_results (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		flow_id TEXT NOT NULL,
		answers TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dialogue_results_user_flow ON dialogue_results(user_id, flow_id, created_at);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) queryReminders(ctx context.Context, query string, args ...any) ([]reminder.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reminder.Record
	for rows.Next() {
		var (
			r       reminder.Record
			kind    string
			days    string
			active  int
			created int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &kind, &r.Slot, &r.TimeOfDay, &days, &active, &created); err != nil {
			return nil, fmt.Errorf("scan reminder row: %w", err)
		}
		r.Kind = reminder.Kind(kind)
		r.Days = reminder.DaysFromStorage(days)
		r.Active = active != 0
		r.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminder rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListActiveReminders(ctx context.Context, minute string, day reminder.Weekday) ([]reminder.Record, error) {
	out, err := s.queryReminders(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE active = 1 AND time_of_day = ?
		   AND (days = '' OR instr(',' || days || ',', ',' || ? || ',') > 0)
		 ORDER BY user_id, kind, slot`,
		minute, string(day),
	)
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListReminders(ctx context.Context, userID string) ([]reminder.Record, error) {
	out, err := s.queryReminders(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE user_id = ? ORDER BY kind, slot`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ReplaceReminders(ctx context.Context, userID string, kind reminder.Kind, records []reminder.Record) error {
	prepared, err := prepareReminders(userID, kind, records, time.Now().UTC())
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace reminders: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reminders WHERE user_id = ? AND kind = ?`, userID, string(kind)); err != nil {
		return fmt.Errorf("delete reminders: %w", err)
	}
	for _, r := range prepared {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO reminders (`+reminderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.UserID, string(r.Kind), r.Slot, r.TimeOfDay, reminder.FormatDays(r.Days), boolToInt(r.Active), r.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace reminders: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteReminders(ctx context.Context, userID string, kind reminder.Kind) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE user_id = ? AND (? = '' OR kind = ?)`,
		userID, string(kind), string(kind),
	)
	if err != nil {
		return 0, fmt.Errorf("delete reminders: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete reminders: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) SaveActivityLog(ctx context.Context, log ActivityLog) error {
	log = prepareActivityLog(log)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_logs (id, user_id, kind, duration_minutes, calories_burned, steps_completed, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.UserID, log.Kind, log.DurationMinutes, log.CaloriesBurned, log.StepsCompleted, log.StartedAt.Unix(), log.EndedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save activity log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ActivityStats(ctx context.Context, userID string) (ActivityStats, error) {
	stats := ActivityStats{UserID: userID}
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), coalesce(sum(duration_minutes), 0), coalesce(sum(calories_burned), 0),
		        coalesce(sum(steps_completed), 0), max(ended_at)
		 FROM activity_logs WHERE user_id = ?`,
		userID,
	).Scan(&stats.Sessions, &stats.TotalMinutes, &stats.TotalCalories, &stats.TotalSteps, &last)
	if err != nil {
		return ActivityStats{}, fmt.Errorf("query activity stats: %w", err)
	}
	if last.Valid {
		t := time.Unix(last.Int64, 0).UTC()
		stats.LastActivityAt = &t
	}
	return stats, nil
}

func (s *SQLiteStore) SaveDialogueResult(ctx context.Context, result DialogueResult) error {
	result = prepareDialogueResult(result)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dialogue_results (id, user_id, flow_id, answers, created_at) VALUES (?, ?, ?, ?, ?)`,
		result.ID, result.UserID, result.FlowID, string(result.Answers), result.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save dialogue result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DialogueHistory(ctx context.Context, userID, flowID string, limit int) ([]DialogueResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, flow_id, answers, created_at FROM dialogue_results
		 WHERE user_id = ? AND (? = '' OR flow_id = ?)
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, flowID, flowID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query dialogue history: %w", err)
	}
	defer rows.Close()

	out := make([]DialogueResult, 0, limit)
	for rows.Next() {
		var (
			r       DialogueResult
			answers string
			created int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.FlowID, &answers, &created); err != nil {
			return nil, fmt.Errorf("scan dialogue result: %w", err)
		}
		r.Answers = []byte(answers)
		r.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dialogue results: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Backend() string { return "sqlite" }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
