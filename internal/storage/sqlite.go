package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"refreshbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const queueKey = "queue"

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	keep int

	appends    atomic.Uint64
	pruneEvery uint64
}

var historyColumns = []string{
	"item_id", "at_ms", "url", "keyword", "action", "stage", "title", "slug",
	"quality", "words", "published_url", "err", "retry_count", "took_ms", "content",
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the engine loop is the only heavy user anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, keep: historyKeep(cfg), pruneEvery: 200}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveQueue(ctx context.Context, data []byte) error {
	query, args, err := sq.Insert("kv").
		Columns("key", "value", "updated_at").
		Values(queueKey, data, time.Now().UnixMilli()).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *sqliteStore) LoadQueue(ctx context.Context) ([]byte, error) {
	query, args, err := sq.Select("value").From("kv").Where(sq.Eq{"key": queueKey}).ToSql()
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

func (s *sqliteStore) AppendHistory(ctx context.Context, r HistoryRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	query, args, err := sq.Insert("history").
		Columns(historyColumns...).
		Values(r.ItemID, r.At.UnixMilli(), r.URL, nullStr(r.Keyword), r.Action, nullStr(r.Stage),
			nullStr(r.Title), nullStr(r.Slug), r.QualityScore, r.WordCount, nullStr(r.PublishedURL),
			nullStr(r.Error), r.RetryCount, r.TookMS, nullStr(r.Content)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	if s.appends.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.prune(pctx); err != nil {
			s.log.Debug("history prune failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *sqliteStore) RecentHistory(ctx context.Context, limit int) ([]HistoryRecord, error) {
	b := sq.Select(historyColumns...).From("history").OrderBy("seq DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var r HistoryRecord
		var atMS int64
		var itemID, keyword, stage, title, slug, pub, errMsg, content sql.NullString
		if err := rows.Scan(&itemID, &atMS, &r.URL, &keyword, &r.Action, &stage, &title, &slug,
			&r.QualityScore, &r.WordCount, &pub, &errMsg, &r.RetryCount, &r.TookMS, &content); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.At = time.UnixMilli(atMS)
		r.ItemID, r.Keyword, r.Stage = itemID.String, keyword.String, stage.String
		r.Title, r.Slug, r.PublishedURL = title.String, slug.String, pub.String
		r.Error, r.Content = errMsg.String, content.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountSince(ctx context.Context, since time.Time, actions ...string) (int, error) {
	b := sq.Select("COUNT(*)").From("history").Where(sq.GtOrEq{"at_ms": since.UnixMilli()})
	if len(actions) > 0 {
		b = b.Where(sq.Eq{"action": actions})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) prune(ctx context.Context) error {
	cutoff := sq.Select("seq").From("history").OrderBy("seq DESC").Limit(1).Offset(uint64(s.keep))
	sub, subArgs, err := cutoff.ToSql()
	if err != nil {
		return err
	}
	query, args, err := sq.Delete("history").Where("seq <= ("+sub+")", subArgs...).ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
