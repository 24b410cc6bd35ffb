package memory

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	xerrors "tiny-agent/internal/errors"
)

// SQLiteConfig 描述 SQLite 后端的数据库文件。
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// SQLiteStore 将会话状态持久化到 SQLite，多个会话共享同一个数据库文件。
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.Mutex
	session string
	limit   int
	now     func() time.Time
}

// NewSQLiteStore 打开（或创建）数据库并初始化表结构。
func NewSQLiteStore(ctx context.Context, cfg SQLiteConfig, session string, limit int) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "创建 SQLite 目录失败")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "打开 SQLite 失败")
	}
	s := &SQLiteStore{db: db, session: session, limit: historyLimit(limit), now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_entries (
			session TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			seq INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (session, key)
		)`,
		`CREATE TABLE IF NOT EXISTS memory_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			action TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_history_session ON memory_history(session, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeMemoryFailure, err, fmt.Sprintf("初始化 SQLite 表失败: %s", stmt[:min(len(stmt), 48)]))
		}
	}
	return nil
}

// Session 返回会话标识。
func (s *SQLiteStore) Session() string { return s.session }

// Set 写入键值并记录 set 事件。
func (s *SQLiteStore) Set(ctx context.Context, key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	now := s.now().UTC().UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE memory_entries SET value = ?, updated_at = ? WHERE session = ? AND key = ?`,
			string(raw), now, s.session, key)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO memory_entries (session, key, value, seq, updated_at)
				 VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM memory_entries WHERE session = ?), ?)`,
				s.session, key, string(raw), s.session, now); err != nil {
				return err
			}
		}
		return s.appendEvent(ctx, tx, ActionSet, key, string(raw), now)
	})
}

// Get 读取键值。
func (s *SQLiteStore) Get(ctx context.Context, key string) (any, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM memory_entries WHERE session = ? AND key = ?`, s.session, key).Scan(&raw)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "SQLite 读取记忆失败")
	}
	value, err := decodeValue([]byte(raw))
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Delete 删除键值；键不存在时不记录事件。
func (s *SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	now := s.now().UTC().UnixNano()
	removed := false

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM memory_entries WHERE session = ? AND key = ?`, s.session, key)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return nil
		}
		removed = true
		return s.appendEvent(ctx, tx, ActionDelete, key, "", now)
	})
	return removed, err
}

// Keys 按首次写入顺序返回键。
func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM memory_entries WHERE session = ? ORDER BY seq`, s.session)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "SQLite 读取键列表失败")
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "SQLite 读取键列表失败")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "SQLite 读取键列表失败")
	}
	return keys, nil
}

// History 返回历史记录。
func (s *SQLiteStore) History(ctx context.Context) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, key, value, created_at FROM memory_history WHERE session = ? ORDER BY id`, s.session)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "SQLite 读取历史失败")
	}
	defer rows.Close()
	events := make([]Event, 0)
	for rows.Next() {
		var (
			action  string
			key     string
			value   sql.NullString
			created int64
		)
		if err := rows.Scan(&action, &key, &value, &created); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "SQLite 读取历史失败")
		}
		decoded, err := decodeValue([]byte(value.String))
		if err != nil {
			return nil, err
		}
		events = append(events, Event{
			Action:    Action(action),
			Key:       key,
			Value:     decoded,
			Timestamp: time.Unix(0, created).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "SQLite 读取历史失败")
	}
	return events, nil
}

// Snapshot 返回当前全部键值。
func (s *SQLiteStore) Snapshot(ctx context.Context) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM memory_entries WHERE session = ?`, s.session)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "SQLite 读取快照失败")
	}
	defer rows.Close()
	out := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "SQLite 读取快照失败")
		}
		value, err := decodeValue([]byte(raw))
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "SQLite 读取快照失败")
	}
	return out, nil
}

// Clear 删除会话的全部数据。
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_entries WHERE session = ?`, s.session); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM memory_history WHERE session = ?`, s.session)
		return err
	})
}

// Close 关闭数据库连接。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) appendEvent(ctx context.Context, tx *sql.Tx, action Action, key, value string, now int64) error {
	var stored any
	if value != "" {
		stored = value
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_history (session, action, key, value, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.session, string(action), key, stored, now); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`DELETE FROM memory_history WHERE session = ? AND id NOT IN (
			SELECT id FROM memory_history WHERE session = ? ORDER BY id DESC LIMIT ?
		)`, s.session, s.session, s.limit)
	return err
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeMemoryFailure, err, "开启 SQLite 事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeMemoryFailure, err, "SQLite 写入记忆失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeMemoryFailure, err, "提交 SQLite 事务失败")
	}
	return nil
}
