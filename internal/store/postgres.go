package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/fitbuddy/internal/reliability"
	"github.com/antoniostano/fitbuddy/internal/reminder"
)

const connectAttempts = 5

// PostgresStore persists to PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	// The database may still be starting when the service boots.
	err = reliability.Retry(ctx, connectAttempts, 250*time.Millisecond, 4*time.Second, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			slog.Default().Warn("postgres not reachable yet", slog.String("component", "store"), slog.Any("error", err))
			return fmt.Errorf("ping postgres: %w", err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reminders (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			slot INTEGER NOT NULL DEFAULT 0,
			time_of_day TEXT NOT NULL,
			days TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders (time_of_day) WHERE active;`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_user ON reminders (user_id, kind);`,
		`CREATE TABLE IF NOT EXISTS activity_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL,
			calories_burned INTEGER NOT NULL,
			steps_completed INTEGER NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_activity_logs_user ON activity_logs (user_id, ended_at);`,
		`CREATE TABLE IF NOT EXISTS dialogue_results (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			flow_id TEXT NOT NULL,
			answers JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dialogue_results_user_flow ON dialogue_results (user_id, flow_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const reminderColumns = `id, user_id, kind, slot, time_of_day, days, active, created_at`

func scanReminders(rows pgx.Rows) ([]reminder.Record, error) {
	defer rows.Close()
	var out []reminder.Record
	for rows.Next() {
		var (
			r    reminder.Record
			kind string
			days string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &kind, &r.Slot, &r.TimeOfDay, &days, &r.Active, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reminder row: %w", err)
		}
		r.Kind = reminder.Kind(kind)
		r.Days = reminder.DaysFromStorage(days)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminder rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListActiveReminders(ctx context.Context, minute string, day reminder.Weekday) ([]reminder.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE active AND time_of_day = $1
		   AND (days = '' OR position(',' || $2::text || ',' in ',' || days || ',') > 0)
		 ORDER BY user_id, kind, slot`,
		minute, string(day),
	)
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	return scanReminders(rows)
}

func (s *PostgresStore) ListReminders(ctx context.Context, userID string) ([]reminder.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE user_id = $1 ORDER BY kind, slot`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	return scanReminders(rows)
}

func (s *PostgresStore) ReplaceReminders(ctx context.Context, userID string, kind reminder.Kind, records []reminder.Record) error {
	prepared, err := prepareReminders(userID, kind, records, time.Now().UTC())
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace reminders: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM reminders WHERE user_id = $1 AND kind = $2`, userID, string(kind)); err != nil {
		return fmt.Errorf("delete reminders: %w", err)
	}
	for _, r := range prepared {
		_, err := tx.Exec(ctx,
			`INSERT INTO reminders (`+reminderColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.ID, r.UserID, string(r.Kind), r.Slot, r.TimeOfDay, reminder.FormatDays(r.Days), r.Active, r.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace reminders: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteReminders(ctx context.Context, userID string, kind reminder.Kind) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM reminders WHERE user_id = $1 AND ($2::text = '' OR kind = $2::text)`,
		userID, string(kind),
	)
	if err != nil {
		return 0, fmt.Errorf("delete reminders: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SaveActivityLog(ctx context.Context, log ActivityLog) error {
	log = prepareActivityLog(log)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO activity_logs (id, user_id, kind, duration_minutes, calories_burned, steps_completed, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		log.ID, log.UserID, log.Kind, log.DurationMinutes, log.CaloriesBurned, log.StepsCompleted, log.StartedAt, log.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save activity log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ActivityStats(ctx context.Context, userID string) (ActivityStats, error) {
	stats := ActivityStats{UserID: userID}
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), coalesce(sum(duration_minutes), 0), coalesce(sum(calories_burned), 0),
		        coalesce(sum(steps_completed), 0), max(ended_at)
		 FROM activity_logs WHERE user_id = $1`,
		userID,
	).Scan(&stats.Sessions, &stats.TotalMinutes, &stats.TotalCalories, &stats.TotalSteps, &last)
	if err != nil {
		return ActivityStats{}, fmt.Errorf("query activity stats: %w", err)
	}
	stats.LastActivityAt = last
	return stats, nil
}

func (s *PostgresStore) SaveDialogueResult(ctx context.Context, result DialogueResult) error {
	result = prepareDialogueResult(result)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dialogue_results (id, user_id, flow_id, answers, created_at) VALUES ($1, $2, $3, $4::jsonb, $5)`,
		result.ID, result.UserID, result.FlowID, string(result.Answers), result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save dialogue result: %w", err)
	}
	return nil
}

func (s *PostgresStore) DialogueHistory(ctx context.Context, userID, flowID string, limit int) ([]DialogueResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, flow_id, answers::text, created_at FROM dialogue_results
		 WHERE user_id = $1 AND ($2::text = '' OR flow_id = $2::text)
		 ORDER BY created_at DESC LIMIT $3`,
		userID, flowID, limit,
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
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.FlowID, &answers, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dialogue result: %w", err)
		}
		r.Answers = []byte(answers)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dialogue results: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Backend() string { return "postgres" }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
