package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"collabSync/backend/internal/ot/revision"
)

var ErrUnknownDialect = errors.New("UNKNOWN_SQL_DIALECT")

type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

const revisionsTable = "collab_revisions"

// SQLDiskCache 基于 database/sql 的修订存储。
// 服务端用 mysql/postgres，客户端本地缓存用 sqlite3。
type SQLDiskCache struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLDiskCache(db *sql.DB, dialect Dialect) (*SQLDiskCache, error) {
	switch dialect {
	case DialectMySQL, DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, dialect)
	}
	return &SQLDiskCache{db: db, dialect: dialect}, nil
}

// Migrate 建表，可重复执行
func (s *SQLDiskCache) Migrate(ctx context.Context) error {
	blob := "BLOB"
	switch s.dialect {
	case DialectMySQL:
		blob = "LONGBLOB"
	case DialectPostgres:
		blob = "BYTEA"
	}
	ddl := `CREATE TABLE IF NOT EXISTS ` + revisionsTable + ` (
		object_id   VARCHAR(191) NOT NULL,
		rev_id      BIGINT       NOT NULL,
		base_rev_id BIGINT       NOT NULL,
		data        ` + blob + ` NOT NULL,
		md5         VARCHAR(64)  NOT NULL DEFAULT '',
		author_id   VARCHAR(191) NOT NULL DEFAULT '',
		state       SMALLINT     NOT NULL DEFAULT 0,
		PRIMARY KEY (object_id, rev_id)
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return revision.WrapStorage("migrate", err)
	}
	return nil
}

// bind 把 ? 占位符换成 postgres 的 $n
func (s *SQLDiskCache) bind(query string) string {
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

func (s *SQLDiskCache) upsertQuery() string {
	insert := `INSERT INTO ` + revisionsTable + ` (object_id, rev_id, base_rev_id, data, md5, author_id, state) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == DialectMySQL {
		return insert + ` ON DUPLICATE KEY UPDATE base_rev_id = VALUES(base_rev_id), data = VALUES(data),
			md5 = VALUES(md5), author_id = VALUES(author_id), state = VALUES(state)`
	}
	return s.bind(insert + ` ON CONFLICT (object_id, rev_id) DO UPDATE SET base_rev_id = excluded.base_rev_id,
		data = excluded.data, md5 = excluded.md5, author_id = excluded.author_id, state = excluded.state`)
}

func (s *SQLDiskCache) CreateRevisions(ctx context.Context, records []revision.Record) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return revision.WrapStorage("create", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.upsertQuery())
	if err != nil {
		return revision.WrapStorage("create", err)
	}
	defer stmt.Close()

	for _, r := range records {
		rev := r.Revision
		if _, err = stmt.ExecContext(ctx, rev.ObjectID, rev.RevID, rev.BaseRevID, rev.Bytes, rev.MD5, rev.AuthorID, int(r.State)); err != nil {
			return revision.WrapStorage("create", fmt.Errorf("%s: %w", rev, err))
		}
	}
	if err = tx.Commit(); err != nil {
		return revision.WrapStorage("create", err)
	}
	return nil
}

const selectColumns = `SELECT object_id, rev_id, base_rev_id, data, md5, author_id, state FROM ` + revisionsTable

func (s *SQLDiskCache) ReadRevision(ctx context.Context, objectID string, revID int64) (*revision.Record, error) {
	row := s.db.QueryRowContext(ctx, s.bind(selectColumns+` WHERE object_id = ? AND rev_id = ?`), objectID, revID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, revision.WrapStorage("read", err)
	}
	return &r, nil
}

func (s *SQLDiskCache) ReadRevisions(ctx context.Context, objectID string) ([]revision.Record, error) {
	return s.query(ctx, selectColumns+` WHERE object_id = ? ORDER BY rev_id`, objectID)
}

func (s *SQLDiskCache) ReadRevisionsInRange(ctx context.Context, objectID string, r revision.Range) ([]revision.Record, error) {
	return s.query(ctx, selectColumns+` WHERE object_id = ? AND rev_id BETWEEN ? AND ? ORDER BY rev_id`, objectID, r.Start, r.End)
}

func (s *SQLDiskCache) query(ctx context.Context, query string, args ...any) ([]revision.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, revision.WrapStorage("read", err)
	}
	defer rows.Close()

	var out []revision.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, revision.WrapStorage("read", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, revision.WrapStorage("read", err)
	}
	return out, nil
}

func (s *SQLDiskCache) DeleteRevisions(ctx context.Context, objectID string, revIDs []int64) error {
	if revIDs != nil && len(revIDs) == 0 {
		return nil
	}
	query := `DELETE FROM ` + revisionsTable + ` WHERE object_id = ?`
	args := []any{objectID}
	if revIDs != nil {
		query += ` AND rev_id IN (?` + strings.Repeat(", ?", len(revIDs)-1) + `)`
		for _, id := range revIDs {
			args = append(args, id)
		}
	}
	if _, err := s.db.ExecContext(ctx, s.bind(query), args...); err != nil {
		return revision.WrapStorage("delete", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (revision.Record, error) {
	var (
		rev   revision.Revision
		state int
	)
	if err := row.Scan(&rev.ObjectID, &rev.RevID, &rev.BaseRevID, &rev.Bytes, &rev.MD5, &rev.AuthorID, &state); err != nil {
		return revision.Record{}, err
	}
	return revision.Record{Revision: rev, State: revision.State(state), WriteToDisk: true}, nil
}

var _ revision.DiskCache = (*SQLDiskCache)(nil)
