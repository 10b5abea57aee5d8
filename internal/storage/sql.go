package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"ordernotify/internal/delivery"
	logx "ordernotify/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// sqlStore implements StatusStore on database/sql for sqlite and postgres.
// Every Mark* is a single INSERT ... ON CONFLICT statement, so concurrent
// writers converge on one row without read-modify-write.
type sqlStore struct {
	db     *sql.DB
	log    logx.Logger
	table  string
	dollar bool // postgres placeholders
}

func newSQLStore(db *sql.DB, table string, dollar bool, log logx.Logger) (*sqlStore, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid storage table name %q", table)
	}
	return &sqlStore{db: db, log: log, table: table, dollar: dollar}, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		script := strings.ReplaceAll(string(b), "{{table}}", s.table)
		for _, stmt := range strings.Split(script, ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s: %w", name, err)
			}
		}
	}
	return nil
}

// q rewrites "?" placeholders to "$n" for postgres.
func (s *sqlStore) q(query string) string {
	query = strings.ReplaceAll(query, "{{table}}", s.table)
	if !s.dollar {
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

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const selectColumns = `order_id, sent, attempts, last_attempt_at, last_error, follow_up_sent, ready_sent, ready_attempts, created_at`

func (s *sqlStore) Get(ctx context.Context, orderID string) (delivery.Status, bool, error) {
	if s == nil || s.db == nil {
		return delivery.Status{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+selectColumns+` FROM {{table}} WHERE order_id = ?`), orderID)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Status{}, false, nil
	}
	if err != nil {
		return delivery.Status{}, false, err
	}
	return st, true, nil
}

func (s *sqlStore) GetMany(ctx context.Context, ids []string) (map[string]delivery.Status, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	out := make(map[string]delivery.Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+selectColumns+` FROM {{table}} WHERE order_id IN (`+marks+`)`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out[st.OrderID] = st
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, id, `INSERT INTO {{table}} (order_id, sent, attempts, last_attempt_at, created_at)
		VALUES (?, TRUE, 1, ?, ?)
		ON CONFLICT (order_id) DO UPDATE SET
			sent = TRUE,
			attempts = {{table}}.attempts + 1,
			last_attempt_at = excluded.last_attempt_at`,
		id, at.UnixMilli(), at.UnixMilli())
}

func (s *sqlStore) MarkFailed(ctx context.Context, id, msg string, at time.Time) error {
	return s.exec(ctx, id, `INSERT INTO {{table}} (order_id, sent, attempts, last_attempt_at, last_error, created_at)
		VALUES (?, FALSE, 1, ?, ?, ?)
		ON CONFLICT (order_id) DO UPDATE SET
			attempts = {{table}}.attempts + 1,
			last_attempt_at = excluded.last_attempt_at,
			last_error = excluded.last_error`,
		id, at.UnixMilli(), msg, at.UnixMilli())
}

func (s *sqlStore) MarkFollowUpSent(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, id, `INSERT INTO {{table}} (order_id, follow_up_sent, created_at)
		VALUES (?, TRUE, ?)
		ON CONFLICT (order_id) DO UPDATE SET follow_up_sent = TRUE`,
		id, at.UnixMilli())
}

func (s *sqlStore) MarkReadySent(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, id, `INSERT INTO {{table}} (order_id, ready_sent, ready_attempts, last_attempt_at, created_at)
		VALUES (?, TRUE, 1, ?, ?)
		ON CONFLICT (order_id) DO UPDATE SET
			ready_sent = TRUE,
			ready_attempts = {{table}}.ready_attempts + 1,
			last_attempt_at = excluded.last_attempt_at`,
		id, at.UnixMilli(), at.UnixMilli())
}

func (s *sqlStore) MarkReadyFailed(ctx context.Context, id, msg string, at time.Time) error {
	return s.exec(ctx, id, `INSERT INTO {{table}} (order_id, ready_attempts, last_attempt_at, last_error, created_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT (order_id) DO UPDATE SET
			ready_attempts = {{table}}.ready_attempts + 1,
			last_attempt_at = excluded.last_attempt_at,
			last_error = excluded.last_error`,
		id, at.UnixMilli(), msg, at.UnixMilli())
}

func (s *sqlStore) exec(ctx context.Context, id, query string, args ...any) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(id) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.q(query), args...)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(r rowScanner) (delivery.Status, error) {
	var (
		st              delivery.Status
		lastAt, created int64
	)
	err := r.Scan(&st.OrderID, &st.Sent, &st.Attempts, &lastAt, &st.LastError,
		&st.FollowUpSent, &st.ReadySent, &st.ReadyAttempts, &created)
	if err != nil {
		return delivery.Status{}, err
	}
	if lastAt > 0 {
		st.LastAttemptAt = time.UnixMilli(lastAt)
	}
	if created > 0 {
		st.CreatedAt = time.UnixMilli(created)
	}
	return st, nil
}
