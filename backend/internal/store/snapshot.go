package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

// Snapshot 某个版本的完整文档
type Snapshot struct {
	DocumentID  string    `json:"documentId"`
	Revision    int64     `json:"revision"`
	ContentJSON string    `json:"contentJson"`
	ContentText string    `json:"contentText"`
	CreatedAt   time.Time `json:"createdAt"`
}

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS document_snapshots (
		document_id  VARCHAR(191) NOT NULL,
		revision     BIGINT       NOT NULL,
		content_json LONGTEXT     NOT NULL,
		content_text LONGTEXT     NOT NULL,
		created_at   TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (document_id, revision)
	)`)
	return err
}

// SaveDocumentSnapshot 同一版本重复保存视为成功
func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID string, rev int64, contentJSON, contentText string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, revision, content_json, content_text)
		VALUES (?, ?, ?, ?)`,
		docID,
		rev,
		contentJSON,
		contentText,
	)
	if err != nil {
		if isDuplicate(err) {
			return nil
		}
		return err
	}
	return nil
}

// LatestSnapshot 没有快照时返回 nil, nil
func (s *SnapshotStore) LatestSnapshot(ctx context.Context, docID string) (*Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT document_id, revision, content_json, content_text, created_at
		FROM document_snapshots WHERE document_id = ? ORDER BY revision DESC LIMIT 1`,
		docID,
	).Scan(&snap.DocumentID, &snap.Revision, &snap.ContentJSON, &snap.ContentText, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return true
	}
	return false
}
