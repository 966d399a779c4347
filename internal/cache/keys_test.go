package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		key        Key
		wantString string
		wantRoot   Key
		wantFamily string
	}{
		{name: "threads", key: ThreadsKey, wantString: "threads", wantRoot: ThreadsKey, wantFamily: FamilyThreads},
		{name: "threads_query", key: ThreadsQueryKey("filter=urgent"), wantString: "threads?filter=urgent", wantRoot: ThreadsKey, wantFamily: FamilyThreads},
		{name: "threads_empty_query", key: ThreadsQueryKey(""), wantString: "threads", wantRoot: ThreadsKey, wantFamily: FamilyThreads},
		{name: "thread", key: ThreadKey("t1"), wantString: "thread:t1", wantRoot: ThreadKey("t1"), wantFamily: FamilyThread},
		{name: "thread_id_with_separator", key: ThreadKey("a?b"), wantString: "thread:a?b", wantRoot: ThreadKey("a?b"), wantFamily: FamilyThread},
		{name: "sync_status", key: SyncStatusKey, wantString: "sync-status", wantRoot: SyncStatusKey, wantFamily: FamilySyncStatus},
		{name: "unknown", key: Key("other"), wantString: "other", wantRoot: Key("other"), wantFamily: FamilyOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantString, tt.key.String())
			assert.Equal(t, tt.wantRoot, tt.key.Root())
			assert.Equal(t, tt.wantFamily, tt.key.Family())
		})
	}
}
