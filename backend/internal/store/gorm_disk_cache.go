package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabSync/backend/internal/ot/revision"
)

// revisionRow 与 SQLDiskCache 共用同一张表
type revisionRow struct {
	ObjectID  string `gorm:"primaryKey;size:191"`
	RevID     int64  `gorm:"primaryKey;autoIncrement:false"`
	BaseRevID int64  `gorm:"not null"`
	Data      []byte `gorm:"not null"`
	MD5       string `gorm:"column:md5;size:64;not null;default:''"`
	AuthorID  string `gorm:"size:191;not null;default:''"`
	State     int    `gorm:"not null;default:0"`
}

func (revisionRow) TableName() string { return revisionsTable }

func toRow(r revision.Record) revisionRow {
	rev := r.Revision
	return revisionRow{
		ObjectID:  rev.ObjectID,
		RevID:     rev.RevID,
		BaseRevID: rev.BaseRevID,
		Data:      rev.Bytes,
		MD5:       rev.MD5,
		AuthorID:  rev.AuthorID,
		State:     int(r.State),
	}
}

func (row revisionRow) record() revision.Record {
	return revision.Record{
		Revision: revision.Revision{
			ObjectID:  row.ObjectID,
			BaseRevID: row.BaseRevID,
			RevID:     row.RevID,
			Bytes:     row.Data,
			MD5:       row.MD5,
			AuthorID:  row.AuthorID,
		},
		State:       revision.State(row.State),
		WriteToDisk: true,
	}
}

// GormDiskCache 服务端默认的修订存储
type GormDiskCache struct {
	db *gorm.DB
}

func NewGormDiskCache(db *gorm.DB) *GormDiskCache {
	return &GormDiskCache{db: db}
}

func (s *GormDiskCache) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&revisionRow{}); err != nil {
		return revision.WrapStorage("migrate", err)
	}
	return nil
}

func (s *GormDiskCache) CreateRevisions(ctx context.Context, records []revision.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]revisionRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, toRow(r))
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
	return revision.WrapStorage("create", err)
}

func (s *GormDiskCache) ReadRevision(ctx context.Context, objectID string, revID int64) (*revision.Record, error) {
	var row revisionRow
	err := s.db.WithContext(ctx).Where("object_id = ? AND rev_id = ?", objectID, revID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // 没找到，返回 nil, nil
		}
		return nil, revision.WrapStorage("read", err)
	}
	r := row.record()
	return &r, nil
}

func (s *GormDiskCache) ReadRevisions(ctx context.Context, objectID string) ([]revision.Record, error) {
	return s.find(s.db.WithContext(ctx).Where("object_id = ?", objectID))
}

func (s *GormDiskCache) ReadRevisionsInRange(ctx context.Context, objectID string, r revision.Range) ([]revision.Record, error) {
	return s.find(s.db.WithContext(ctx).Where("object_id = ? AND rev_id BETWEEN ? AND ?", objectID, r.Start, r.End))
}

func (s *GormDiskCache) find(q *gorm.DB) ([]revision.Record, error) {
	var rows []revisionRow
	if err := q.Order("rev_id").Find(&rows).Error; err != nil {
		return nil, revision.WrapStorage("read", err)
	}
	out := make([]revision.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

func (s *GormDiskCache) DeleteRevisions(ctx context.Context, objectID string, revIDs []int64) error {
	if revIDs != nil && len(revIDs) == 0 {
		return nil
	}
	q := s.db.WithContext(ctx).Where("object_id = ?", objectID)
	if revIDs != nil {
		q = q.Where("rev_id IN ?", revIDs)
	}
	return revision.WrapStorage("delete", q.Delete(&revisionRow{}).Error)
}

var _ revision.DiskCache = (*GormDiskCache)(nil)
