package revision_test

import (
	"testing"

	"collabSync/backend/internal/ot/revision"
	"collabSync/backend/internal/ot/revision/revisiontest"
)

func TestMemoryDiskCache(t *testing.T) {
	revisiontest.Run(t, func(t *testing.T) revision.DiskCache {
		return revision.NewMemoryDiskCache()
	})
}
