package editor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/ot/revision"
	"collabSync/backend/internal/protocol"
)

// pipeTransport 记录发出的消息，由测试手动送到服务端
type pipeTransport struct {
	mu     sync.Mutex
	out    []protocol.ClientMessage
	recv   chan protocol.ServerMessage
	states chan protocol.ConnState
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		recv:   make(chan protocol.ServerMessage),
		states: make(chan protocol.ConnState),
	}
}

func (p *pipeTransport) Send(_ context.Context, msg protocol.ClientMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, msg)
	return nil
}

func (p *pipeTransport) Receive() <-chan protocol.ServerMessage { return p.recv }

func (p *pipeTransport) States() <-chan protocol.ConnState { return p.states }

func (p *pipeTransport) take() []protocol.ClientMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.out
	p.out = nil
	return out
}

// pipeUser 服务端眼里的一个连接
type pipeUser struct {
	id    string
	mu    sync.Mutex
	inbox []protocol.ServerMessage
}

func (u *pipeUser) UserID() string { return u.id }

func (u *pipeUser) Receive(msg protocol.ServerMessage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inbox = append(u.inbox, msg)
}

func (u *pipeUser) take() []protocol.ServerMessage {
	u.mu.Lock()
	defer u.mu.Unlock()
	in := u.inbox
	u.inbox = nil
	return in
}

type harness struct {
	t      *testing.T
	server *collab.ServerManager
	disk   *revision.MemoryDiskCache

	mu        sync.Mutex
	connected []*pipeUser
}

func newHarness(t *testing.T, broadcast bool) *harness {
	h := &harness{t: t, disk: revision.NewMemoryDiskCache()}
	var opts []collab.ServerOption
	if broadcast {
		opts = append(opts, collab.WithBroadcaster(h))
	}
	h.server = collab.NewServerManager(h.disk, opts...)
	return h
}

// Broadcast 只追加到收件箱，不会回调服务端
func (h *harness) Broadcast(_ string, from collab.RevisionUser, msg protocol.ServerMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range h.connected {
		if from != nil && u.UserID() == from.UserID() {
			continue
		}
		u.Receive(msg)
	}
}

type testClient struct {
	t         *testing.T
	h         *harness
	editor    *Editor
	transport *pipeTransport
	user      *pipeUser
}

func (h *harness) newClient(objectID, userID string) *testClient {
	h.t.Helper()
	transport := newPipeTransport()
	e, err := Open(context.Background(), objectID, userID, revision.NewMemoryDiskCache(), transport, Options{
		FlushDelay: time.Millisecond,
	})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = e.Close(context.Background()) })

	user := &pipeUser{id: userID}
	h.mu.Lock()
	h.connected = append(h.connected, user)
	h.mu.Unlock()
	return &testClient{t: h.t, h: h, editor: e, transport: transport, user: user}
}

// sync 发一次同步，然后来回投递消息直到两边都没有新消息
func (c *testClient) sync() {
	c.t.Helper()
	ctx := context.Background()
	require.NoError(c.t, c.editor.Synchronizer().SyncOnce(ctx))
	c.pump()
}

func (c *testClient) pump() {
	c.t.Helper()
	ctx := context.Background()
	for round := 0; round < 100; round++ {
		out := c.transport.take()
		for _, msg := range out {
			require.NoError(c.t, c.h.server.HandleClientMessage(ctx, c.user, msg))
		}
		in := c.user.take()
		for _, msg := range in {
			require.NoError(c.t, c.editor.Synchronizer().HandleMessage(ctx, msg))
			if msg.Type == protocol.TypeServerAck && c.editor.revs.HasPending() {
				require.NoError(c.t, c.editor.Synchronizer().SyncOnce(ctx))
			}
		}
		if len(out) == 0 && len(in) == 0 {
			return
		}
	}
	c.t.Fatalf("sync did not settle for %s", c.user.id)
}

func (c *testClient) json() string {
	c.t.Helper()
	s, err := c.editor.JSON(context.Background())
	require.NoError(c.t, err)
	return s
}

func (h *harness) serverJSON(objectID string) (int64, string) {
	h.t.Helper()
	doc, err := h.server.Document(context.Background(), objectID)
	require.NoError(h.t, err)
	return doc.RevID(), doc.Content().JSON()
}
