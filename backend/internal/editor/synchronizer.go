package editor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"collabSync/backend/internal/ot/revision"
	"collabSync/backend/internal/protocol"
)

const (
	DefaultSyncInterval = time.Second
	handleTimeout       = 10 * time.Second
)

// Transport 单个文档的双向消息通道
type Transport interface {
	Send(ctx context.Context, msg protocol.ClientMessage) error
	Receive() <-chan protocol.ServerMessage
	States() <-chan protocol.ConnState
}

type SyncState int

const (
	SyncIdle SyncState = iota
	SyncSyncing
)

func (s SyncState) String() string {
	if s == SyncSyncing {
		return "syncing"
	}
	return "idle"
}

// Synchronizer 客户端同步：定时发送待确认修订或 ping，处理服务端的 ack/push/pull
type Synchronizer struct {
	editor    *Editor
	revs      *revision.Manager
	transport Transport
	interval  time.Duration

	mu      sync.Mutex
	conn    protocol.ConnState
	stop    chan struct{}
	stopped chan struct{}
}

func newSynchronizer(e *Editor, transport Transport, interval time.Duration) *Synchronizer {
	return &Synchronizer{
		editor:    e,
		revs:      e.revs,
		transport: transport,
		interval:  interval,
		conn:      protocol.StateInit,
	}
}

// State 有未确认修订时为 Syncing，同时返回待确认数量
func (s *Synchronizer) State() (SyncState, int) {
	n := len(s.revs.PendingRevisions())
	if n > 0 {
		return SyncSyncing, n
	}
	return SyncIdle, 0
}

func (s *Synchronizer) ConnState() protocol.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// SyncOnce 发送最早的未确认修订；没有时发 ping 带上当前版本
func (s *Synchronizer) SyncOnce(ctx context.Context) error {
	if s.transport == nil {
		return nil
	}
	objectID := s.editor.objectID
	if rev, ok := s.revs.NextSyncRevision(); ok {
		return s.transport.Send(ctx, protocol.NewClientPush(objectID, rev))
	}
	return s.transport.Send(ctx, protocol.NewPing(objectID, s.revs.CurrentRevID()))
}

// HandleMessage 处理一条服务端消息，同步层的可恢复错误只记日志
func (s *Synchronizer) HandleMessage(ctx context.Context, msg protocol.ServerMessage) error {
	objectID := s.editor.objectID
	if msg.ObjectID != "" && msg.ObjectID != objectID {
		log.Printf("editor: message for another document doc=%s got=%s", objectID, msg.ObjectID)
		return nil
	}
	switch msg.Type {
	case protocol.TypeServerAck:
		if err := s.revs.AckRevision(msg.RevID); err != nil {
			if errors.Is(err, revision.ErrOutOfOrderAck) {
				log.Printf("editor: %v doc=%s", err, objectID)
				return nil
			}
			return err
		}
		return nil

	case protocol.TypeServerPush:
		return s.editor.receivePush(ctx, msg)

	case protocol.TypeServerPull:
		if msg.Range == nil {
			return nil
		}
		revs, err := s.revs.GetRevisionsInRange(ctx, *msg.Range)
		if err != nil {
			return err
		}
		if len(revs) == 0 {
			log.Printf("editor: pull %s but nothing local doc=%s", msg.Range, objectID)
			return nil
		}
		return s.transport.Send(ctx, protocol.NewClientPush(objectID, revs...))

	default:
		log.Printf("editor: ignore message type=%s doc=%s", msg.Type, objectID)
		return nil
	}
}

// Start 启动后台循环，重复调用无效
func (s *Synchronizer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil || s.transport == nil {
		return
	}
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.loop(s.stop, s.stopped)
}

// Stop 停止后台循环并等待退出
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	stop, stopped := s.stop, s.stopped
	s.stop = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

func (s *Synchronizer) loop(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	objectID := s.editor.objectID
	sync := func() {
		if s.ConnState() != protocol.StateConnected {
			return
		}
		if err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("editor: sync failed doc=%s err=%v", objectID, err)
		}
	}

	for {
		select {
		case <-stop:
			return

		case state, ok := <-s.transport.States():
			if !ok {
				return
			}
			s.mu.Lock()
			s.conn = state
			s.mu.Unlock()
			log.Printf("editor: connection %s doc=%s", state, objectID)
			if state == protocol.StateConnected {
				sync()
			}

		case msg, ok := <-s.transport.Receive():
			if !ok {
				return
			}
			hctx, hcancel := context.WithTimeout(ctx, handleTimeout)
			err := s.HandleMessage(hctx, msg)
			hcancel()
			if err != nil && ctx.Err() == nil {
				log.Printf("editor: handle %s failed doc=%s err=%v", msg.Type, objectID, err)
			}
			// 确认之后马上发下一个，不等定时器
			if msg.Type == protocol.TypeServerAck && s.revs.HasPending() {
				sync()
			}

		case <-ticker.C:
			sync()
		}
	}
}
