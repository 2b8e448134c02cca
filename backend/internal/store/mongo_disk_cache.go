package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"collabSync/backend/internal/ot/revision"
)

const revisionsCollection = "collab_revisions"

type revisionDoc struct {
	ObjectID  string `bson:"object_id"`
	RevID     int64  `bson:"rev_id"`
	BaseRevID int64  `bson:"base_rev_id"`
	Data      []byte `bson:"data"`
	MD5       string `bson:"md5"`
	AuthorID  string `bson:"author_id"`
	State     int    `bson:"state"`
}

// MongoDiskCache 每个修订一个文档，(object_id, rev_id) 唯一
type MongoDiskCache struct {
	coll *mongo.Collection
}

// ConnectMongo 连接并 ping 一次
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

func NewMongoDiskCache(db *mongo.Database) *MongoDiskCache {
	return &MongoDiskCache{coll: db.Collection(revisionsCollection)}
}

func (s *MongoDiskCache) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "object_id", Value: 1}, {Key: "rev_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return revision.WrapStorage("index", err)
}

func revisionKey(objectID string, revID int64) bson.D {
	return bson.D{{Key: "object_id", Value: objectID}, {Key: "rev_id", Value: revID}}
}

func (s *MongoDiskCache) CreateRevisions(ctx context.Context, records []revision.Record) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(records))
	for _, r := range records {
		rev := r.Revision
		doc := revisionDoc{
			ObjectID:  rev.ObjectID,
			RevID:     rev.RevID,
			BaseRevID: rev.BaseRevID,
			Data:      rev.Bytes,
			MD5:       rev.MD5,
			AuthorID:  rev.AuthorID,
			State:     int(r.State),
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(revisionKey(rev.ObjectID, rev.RevID)).
			SetReplacement(doc).
			SetUpsert(true))
	}
	_, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	return revision.WrapStorage("create", err)
}

func (s *MongoDiskCache) ReadRevision(ctx context.Context, objectID string, revID int64) (*revision.Record, error) {
	var doc revisionDoc
	err := s.coll.FindOne(ctx, revisionKey(objectID, revID)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, revision.WrapStorage("read", err)
	}
	r := doc.record()
	return &r, nil
}

func (s *MongoDiskCache) ReadRevisions(ctx context.Context, objectID string) ([]revision.Record, error) {
	return s.find(ctx, bson.D{{Key: "object_id", Value: objectID}})
}

func (s *MongoDiskCache) ReadRevisionsInRange(ctx context.Context, objectID string, r revision.Range) ([]revision.Record, error) {
	return s.find(ctx, bson.D{
		{Key: "object_id", Value: objectID},
		{Key: "rev_id", Value: bson.D{{Key: "$gte", Value: r.Start}, {Key: "$lte", Value: r.End}}},
	})
}

func (s *MongoDiskCache) find(ctx context.Context, filter bson.D) ([]revision.Record, error) {
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "rev_id", Value: 1}}))
	if err != nil {
		return nil, revision.WrapStorage("read", err)
	}
	var docs []revisionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, revision.WrapStorage("read", err)
	}
	out := make([]revision.Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.record())
	}
	return out, nil
}

func (s *MongoDiskCache) DeleteRevisions(ctx context.Context, objectID string, revIDs []int64) error {
	if revIDs != nil && len(revIDs) == 0 {
		return nil
	}
	filter := bson.D{{Key: "object_id", Value: objectID}}
	if revIDs != nil {
		filter = append(filter, bson.E{Key: "rev_id", Value: bson.D{{Key: "$in", Value: revIDs}}})
	}
	_, err := s.coll.DeleteMany(ctx, filter)
	return revision.WrapStorage("delete", err)
}

func (d revisionDoc) record() revision.Record {
	return revision.Record{
		Revision: revision.Revision{
			ObjectID:  d.ObjectID,
			BaseRevID: d.BaseRevID,
			RevID:     d.RevID,
			Bytes:     d.Data,
			MD5:       d.MD5,
			AuthorID:  d.AuthorID,
		},
		State:       revision.State(d.State),
		WriteToDisk: true,
	}
}

var _ revision.DiskCache = (*MongoDiskCache)(nil)
