package stream

import "github.com/sortmail/inboxsync/internal/cache"

// Dispatch maps an event to the cache keys it makes stale.
// Heartbeats and unknown kinds map to no keys.
func Dispatch(ev Event) []cache.Key {
	switch e := ev.(type) {
	case IntelReady:
		keys := []cache.Key{cache.ThreadsKey}
		if e.ThreadID != "" {
			keys = append(keys, cache.ThreadKey(e.ThreadID))
		}
		return keys
	case NewEmails:
		return []cache.Key{cache.ThreadsKey}
	case SyncStatusChanged:
		return []cache.Key{cache.SyncStatusKey}
	default:
		return nil
	}
}
