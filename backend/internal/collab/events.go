package collab

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"collabSync/backend/internal/ot/revision"
)

const EventRevisionApplied = "REVISION_APPLIED"

// RevisionEvent 服务端合入一个修订后对外发布的事件
type RevisionEvent struct {
	EventType string          `json:"eventType"`
	EventID   string          `json:"eventId"`
	ObjectID  string          `json:"objectId"`
	BaseRevID int64           `json:"baseRevId"`
	RevID     int64           `json:"revId"`
	AuthorID  string          `json:"authorId"`
	MD5       string          `json:"md5"`
	Delta     json.RawMessage `json:"delta"`
	AppliedAt time.Time       `json:"appliedAt"`
}

func NewRevisionEvent(rev revision.Revision, appliedAt time.Time) RevisionEvent {
	return RevisionEvent{
		EventType: EventRevisionApplied,
		EventID:   uuid.NewString(),
		ObjectID:  rev.ObjectID,
		BaseRevID: rev.BaseRevID,
		RevID:     rev.RevID,
		AuthorID:  rev.AuthorID,
		MD5:       rev.MD5,
		Delta:     json.RawMessage(rev.Bytes),
		AppliedAt: appliedAt,
	}
}

// EventPublisher 事件发布，尽力而为，失败不影响同步
type EventPublisher interface {
	Publish(ctx context.Context, evt RevisionEvent) error
}
