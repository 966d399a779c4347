package cache

import "strings"

// Key identifies a cached read. Build keys with the constructors below; never
// concatenate strings at call sites.
type Key string

const (
	// ThreadsKey is the root of every thread list query
	ThreadsKey Key = "threads"

	// SyncStatusKey caches the remote sync status
	SyncStatusKey Key = "sync-status"

	threadPrefix = "thread:"
	querySep     = "?"
)

// Family names used for TTL selection and metric attributes
const (
	FamilyThreads    = "threads"
	FamilyThread     = "thread"
	FamilySyncStatus = "sync-status"
	FamilyOther      = "other"
)

// ThreadKey returns the key of a single thread's detail
func ThreadKey(threadID string) Key {
	return Key(threadPrefix + threadID)
}

// ThreadsQueryKey returns the key of a filtered thread list. An empty query is
// the root key itself. All variants share ThreadsKey as their root.
func ThreadsQueryKey(query string) Key {
	if query == "" {
		return ThreadsKey
	}
	return Key(string(ThreadsKey) + querySep + query)
}

// Root strips the query of a thread list variant, so invalidating ThreadsKey
// covers every variant. Other keys are their own root.
func (k Key) Root() Key {
	if strings.HasPrefix(string(k), string(ThreadsKey)+querySep) {
		return ThreadsKey
	}
	return k
}

// Family classifies the key
func (k Key) Family() string {
	root := k.Root()
	switch {
	case root == ThreadsKey:
		return FamilyThreads
	case root == SyncStatusKey:
		return FamilySyncStatus
	case strings.HasPrefix(string(root), threadPrefix):
		return FamilyThread
	default:
		return FamilyOther
	}
}

func (k Key) String() string {
	return string(k)
}
