package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"collabSync/backend/internal/ot/revision"
)

var ErrUnknownMessage = errors.New("UNKNOWN_MESSAGE")

type ClientMessageType string

const (
	TypeClientPush ClientMessageType = "client_push"
	TypePing       ClientMessageType = "ping"
)

type ServerMessageType string

const (
	TypeServerPush ServerMessageType = "server_push"
	TypeServerPull ServerMessageType = "server_pull"
	TypeServerAck  ServerMessageType = "server_ack"
)

// PushKind 推送的修订是否能接在接收方的版本后面
type PushKind string

const (
	// PushIncremental 修订从接收方的版本连续往后
	PushIncremental PushKind = "incremental"
	// PushOverride 从空文档开始的完整历史，接收方整体替换内容和历史
	PushOverride PushKind = "override"
)

// ClientMessage 客户端发往服务端
type ClientMessage struct {
	Type      ClientMessageType   `json:"type"`
	ObjectID  string              `json:"objectId"`
	RevID     int64               `json:"revId"`
	Revisions []revision.Revision `json:"revisions,omitempty"`
}

// ServerMessage 服务端发往客户端
type ServerMessage struct {
	Type      ServerMessageType   `json:"type"`
	ObjectID  string              `json:"objectId"`
	PushKind  PushKind            `json:"pushKind,omitempty"`
	Revisions []revision.Revision `json:"revisions,omitempty"`
	Range     *revision.Range     `json:"range,omitempty"`
	RevID     int64               `json:"revId,omitempty"`
}

func NewClientPush(objectID string, revs ...revision.Revision) ClientMessage {
	var revID int64
	if len(revs) > 0 {
		revID = revs[len(revs)-1].RevID
	}
	return ClientMessage{Type: TypeClientPush, ObjectID: objectID, RevID: revID, Revisions: revs}
}

func NewPing(objectID string, revID int64) ClientMessage {
	return ClientMessage{Type: TypePing, ObjectID: objectID, RevID: revID}
}

func NewServerPush(objectID string, kind PushKind, revs []revision.Revision) ServerMessage {
	return ServerMessage{Type: TypeServerPush, ObjectID: objectID, PushKind: kind, Revisions: revs}
}

func NewServerPull(objectID string, r revision.Range) ServerMessage {
	return ServerMessage{Type: TypeServerPull, ObjectID: objectID, Range: &r}
}

func NewServerAck(objectID string, revID int64) ServerMessage {
	return ServerMessage{Type: TypeServerAck, ObjectID: objectID, RevID: revID}
}

func (m ClientMessage) MessageType() string { return string(m.Type) }
func (m ServerMessage) MessageType() string { return string(m.Type) }

func (m ClientMessage) Encode() ([]byte, error) { return json.Marshal(m) }
func (m ServerMessage) Encode() ([]byte, error) { return json.Marshal(m) }

func (m ClientMessage) validate() error {
	switch m.Type {
	case TypeClientPush, TypePing:
	default:
		return fmt.Errorf("%w: client message type %q", ErrUnknownMessage, m.Type)
	}
	if m.ObjectID == "" {
		return fmt.Errorf("%w: missing objectId", ErrUnknownMessage)
	}
	return nil
}

func (m ServerMessage) validate() error {
	switch m.Type {
	case TypeServerPush:
		if m.PushKind != PushIncremental && m.PushKind != PushOverride {
			return fmt.Errorf("%w: push kind %q", ErrUnknownMessage, m.PushKind)
		}
	case TypeServerPull:
		if m.Range == nil || !m.Range.IsValid() {
			return fmt.Errorf("%w: pull without a valid range", ErrUnknownMessage)
		}
	case TypeServerAck:
	default:
		return fmt.Errorf("%w: server message type %q", ErrUnknownMessage, m.Type)
	}
	return nil
}

func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	if err := m.validate(); err != nil {
		return ClientMessage{}, err
	}
	return m, nil
}

func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var m ServerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ServerMessage{}, fmt.Errorf("decode server message: %w", err)
	}
	if err := m.validate(); err != nil {
		return ServerMessage{}, err
	}
	return m, nil
}
