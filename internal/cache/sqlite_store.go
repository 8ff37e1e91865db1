package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bonusperme/swcache/internal/fetch"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS buckets (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	bucket      TEXT NOT NULL REFERENCES buckets(name) ON DELETE CASCADE,
	identity    TEXT NOT NULL,
	status      INTEGER NOT NULL,
	header_json TEXT NOT NULL,
	body        BLOB NOT NULL,
	stored_at   INTEGER NOT NULL,
	PRIMARY KEY (bucket, identity)
);
`

// sqliteStorage 将全部 bucket 存放在单个 SQLite 数据库中。
type sqliteStorage struct {
	db *sql.DB
}

type sqliteBucket struct {
	db   *sql.DB
	name string
}

// NewSQLiteStorage opens (creating and migrating) a SQLite backed store at path.
func NewSQLiteStorage(path string) (Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &sqliteStorage{db: db}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	return &sqliteBucket{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := validateBucketName(name); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM buckets WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM buckets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateBucketName(name); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE bucket = ?`, name); err != nil {
		return false, fmt.Errorf("delete bucket entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete bucket: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Close releases the underlying SQLite connection.
func (s *sqliteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (b *sqliteBucket) Name() string {
	return b.name
}

func (b *sqliteBucket) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	key, err := requestKey(req)
	if err != nil {
		return nil, err
	}
	var (
		status     int
		headerJSON string
		body       []byte
		storedAt   int64
	)
	err = b.db.QueryRowContext(ctx,
		`SELECT status, header_json, body, stored_at FROM entries WHERE bucket = ? AND identity = ?`,
		b.name, key,
	).Scan(&status, &headerJSON, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match cache entry: %w", err)
	}

	header := http.Header{}
	if headerJSON != "" {
		if err := json.Unmarshal([]byte(headerJSON), &header); err != nil {
			return nil, fmt.Errorf("decode cache header: %w", err)
		}
	}
	return &fetch.Response{
		StatusCode: status,
		Header:     header,
		Body:       body,
		StoredAt:   time.UnixMilli(storedAt).UTC(),
	}, nil
}

func (b *sqliteBucket) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	key, err := requestKey(req)
	if err != nil {
		return err
	}
	header := resp.Header
	if header == nil {
		header = http.Header{}
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return err
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	res, err := b.db.ExecContext(ctx,
		`INSERT INTO entries (bucket, identity, status, header_json, body, stored_at)
		 SELECT ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM buckets WHERE name = ?)
		 ON CONFLICT(bucket, identity) DO UPDATE SET
			status = excluded.status,
			header_json = excluded.header_json,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		b.name, key, resp.StatusCode, string(headerJSON), body, storedAt.UnixMilli(), b.name,
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrBucketGone, b.name)
	}
	return nil
}

func (b *sqliteBucket) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	key, err := requestKey(req)
	if err != nil {
		return false, err
	}
	res, err := b.db.ExecContext(ctx, `DELETE FROM entries WHERE bucket = ? AND identity = ?`, b.name, key)
	if err != nil {
		return false, fmt.Errorf("delete cache entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT identity FROM entries WHERE bucket = ? ORDER BY identity`, b.name)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
