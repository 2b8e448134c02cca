// Package revisiontest 提供 DiskCache 实现共用的行为测试
package revisiontest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/ot/revision"
)

// Rev 构造一个插入 text 的修订
func Rev(objectID string, revID int64, text string) revision.Revision {
	d := delta.NewBuilder().Insert(text, nil).Build()
	return revision.New(objectID, revID-1, revID, d, fmt.Sprintf("md5-%d", revID), "tester")
}

func Records(state revision.State, revs ...revision.Revision) []revision.Record {
	out := make([]revision.Record, 0, len(revs))
	for _, r := range revs {
		out = append(out, revision.NewRecord(r, state))
	}
	return out
}

// Run 对 newCache 返回的实现跑一遍 DiskCache 约定
func Run(t *testing.T, newCache func(t *testing.T) revision.DiskCache) {
	t.Run("CreateAndRead", func(t *testing.T) {
		ctx := context.Background()
		c := newCache(t)
		require.NoError(t, c.CreateRevisions(ctx, Records(revision.StateSync, Rev("doc-a", 2, "b"), Rev("doc-a", 1, "a"))))
		require.NoError(t, c.CreateRevisions(ctx, Records(revision.StateAck, Rev("doc-b", 1, "x"))))

		got, err := c.ReadRevisions(ctx, "doc-a")
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, int64(1), got[0].Revision.RevID)
		require.Equal(t, int64(2), got[1].Revision.RevID)
		require.Equal(t, revision.StateSync, got[0].State)
		require.Equal(t, "md5-1", got[0].Revision.MD5)
		require.Equal(t, "tester", got[0].Revision.AuthorID)

		d, err := got[1].Revision.Delta()
		require.NoError(t, err)
		require.Equal(t, "b", d.PlainText())

		one, err := c.ReadRevision(ctx, "doc-b", 1)
		require.NoError(t, err)
		require.NotNil(t, one)
		require.Equal(t, revision.StateAck, one.State)

		missing, err := c.ReadRevision(ctx, "doc-b", 9)
		require.NoError(t, err)
		require.Nil(t, missing)
	})

	t.Run("Upsert", func(t *testing.T) {
		ctx := context.Background()
		c := newCache(t)
		rev := Rev("doc-u", 1, "a")
		require.NoError(t, c.CreateRevisions(ctx, Records(revision.StateSync, rev)))
		rev.MD5 = "merged"
		require.NoError(t, c.CreateRevisions(ctx, Records(revision.StateAck, rev)))

		got, err := c.ReadRevisions(ctx, "doc-u")
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, revision.StateAck, got[0].State)
		require.Equal(t, "merged", got[0].Revision.MD5)
	})

	t.Run("Range", func(t *testing.T) {
		ctx := context.Background()
		c := newCache(t)
		var revs []revision.Revision
		for i := int64(1); i <= 6; i++ {
			revs = append(revs, Rev("doc-r", i, "x"))
		}
		require.NoError(t, c.CreateRevisions(ctx, Records(revision.StateAck, revs...)))

		got, err := c.ReadRevisionsInRange(ctx, "doc-r", revision.Range{Start: 3, End: 5})
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, r := range got {
			require.Equal(t, int64(3+i), r.Revision.RevID)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		ctx := context.Background()
		c := newCache(t)
		require.NoError(t, c.CreateRevisions(ctx, Records(revision.StateAck,
			Rev("doc-d", 1, "a"), Rev("doc-d", 2, "b"), Rev("doc-d", 3, "c"))))
		require.NoError(t, c.CreateRevisions(ctx, Records(revision.StateAck, Rev("doc-keep", 1, "k"))))

		require.NoError(t, c.DeleteRevisions(ctx, "doc-d", []int64{2}))
		got, err := c.ReadRevisions(ctx, "doc-d")
		require.NoError(t, err)
		require.Len(t, got, 2)

		require.NoError(t, c.DeleteRevisions(ctx, "doc-d", []int64{}))
		got, err = c.ReadRevisions(ctx, "doc-d")
		require.NoError(t, err)
		require.Len(t, got, 2)

		require.NoError(t, c.DeleteRevisions(ctx, "doc-d", nil))
		got, err = c.ReadRevisions(ctx, "doc-d")
		require.NoError(t, err)
		require.Empty(t, got)

		kept, err := c.ReadRevisions(ctx, "doc-keep")
		require.NoError(t, err)
		require.Len(t, kept, 1)
	})
}
