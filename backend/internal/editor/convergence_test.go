package editor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"unicode/utf8"

	"github.com/sanity-io/litter"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/ot/document"
)

var randomFormats = []delta.Attributes{
	{delta.AttrBold: true},
	{delta.AttrItalic: true},
	{delta.AttrBold: nil},
	{delta.AttrHeader: 1},
	{delta.AttrHeader: 2},
	{delta.AttrList: "bullet"},
}

// randomEdit 在客户端上做一次随机操作，下标按客户端当前内容选
func randomEdit(t *testing.T, rng *rand.Rand, c *testClient) {
	t.Helper()
	ctx := context.Background()
	snap, err := c.editor.Snapshot(ctx)
	require.NoError(t, err)
	n := utf8.RuneCountInString(snap.Text)

	switch p := rng.Intn(100); {
	case p < 35:
		text := string(rune('a' + rng.Intn(26)))
		if rng.Intn(4) == 0 {
			text += "\n"
		}
		_, err = c.editor.Insert(ctx, rng.Intn(n+1), text)
	case p < 55:
		if n <= 1 {
			return
		}
		start := rng.Intn(n)
		_, err = c.editor.Delete(ctx, document.NewInterval(start, min(start+1+rng.Intn(3), n)))
	case p < 70:
		start := rng.Intn(n)
		end := min(start+rng.Intn(5), n)
		_, err = c.editor.Format(ctx, document.NewInterval(start, end), randomFormats[rng.Intn(len(randomFormats))])
	case p < 80:
		if _, err = c.editor.Undo(ctx); errors.Is(err, document.ErrNothingToUndo) {
			err = nil
		}
	case p < 85:
		if _, err = c.editor.Redo(ctx); errors.Is(err, document.ErrNothingToRedo) {
			err = nil
		}
	default:
		c.sync()
	}
	require.NoError(t, err)
}

// settle 轮流同步直到所有客户端追上服务端且没有待发修订
func settle(t *testing.T, h *harness, objectID string, clients []*testClient) {
	t.Helper()
	for round := 0; round < 20; round++ {
		for _, c := range clients {
			c.sync()
		}
		rev, _ := h.serverJSON(objectID)
		done := true
		for _, c := range clients {
			if c.editor.revs.HasPending() || c.editor.RevID() != rev {
				done = false
			}
		}
		if done {
			return
		}
	}
	t.Fatalf("clients did not settle")
}

func requireAllConverged(t *testing.T, h *harness, objectID string, clients []*testClient) {
	t.Helper()
	rev, want := h.serverJSON(objectID)
	for i, c := range clients {
		if got := c.json(); got != want {
			gd, _ := delta.FromJSON(got)
			wd, _ := delta.FromJSON(want)
			t.Fatalf("client %d diverged at rev %d:\n%s\nserver:\n%s", i, rev, litter.Sdump(gd), litter.Sdump(wd))
		}
		require.Equal(t, rev, c.editor.RevID(), "client %d rev", i)
	}
	// 最后一个字符始终是换行
	content, err := delta.FromJSON(want)
	require.NoError(t, err)
	require.True(t, content.EndsWithNewline(), "server content %s", want)
}

func TestConvergence_RandomEdits(t *testing.T) {
	for _, broadcast := range []bool{false, true} {
		for seed := int64(0); seed < 20; seed++ {
			t.Run(fmt.Sprintf("broadcast=%t/seed=%d", broadcast, seed), func(t *testing.T) {
				rng := rand.New(rand.NewSource(seed))
				h := newHarness(t, broadcast)
				clients := []*testClient{
					h.newClient("doc-1", "alice"),
					h.newClient("doc-1", "bob"),
					h.newClient("doc-1", "carol"),
				}
				for step := 0; step < 60; step++ {
					randomEdit(t, rng, clients[rng.Intn(len(clients))])
				}
				settle(t, h, "doc-1", clients)
				requireAllConverged(t, h, "doc-1", clients)
			})
		}
	}
}

// 每个客户端都删到只剩结尾换行，再各自撤销
func TestConvergence_DeleteEverythingThenUndo(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	clients := []*testClient{
		h.newClient("doc-1", "alice"),
		h.newClient("doc-1", "bob"),
		h.newClient("doc-1", "carol"),
	}
	_, err := clients[0].editor.Insert(ctx, 0, "shared\ntext")
	require.NoError(t, err)
	_, err = clients[0].editor.Format(ctx, document.NewInterval(0, 6), delta.Attributes{delta.AttrHeader: 1})
	require.NoError(t, err)
	settle(t, h, "doc-1", clients)

	for _, c := range clients {
		snap, err := c.editor.Snapshot(ctx)
		require.NoError(t, err)
		// 区间包含结尾换行，会被截到换行之前
		_, err = c.editor.Delete(ctx, document.NewInterval(0, utf8.RuneCountInString(snap.Text)))
		require.NoError(t, err)
		_, err = c.editor.Insert(ctx, 0, c.user.id)
		require.NoError(t, err)
	}
	settle(t, h, "doc-1", clients)
	requireAllConverged(t, h, "doc-1", clients)

	for _, c := range clients {
		if _, err := c.editor.Undo(ctx); err != nil && !errors.Is(err, document.ErrNothingToUndo) {
			require.NoError(t, err)
		}
	}
	settle(t, h, "doc-1", clients)
	requireAllConverged(t, h, "doc-1", clients)
}
