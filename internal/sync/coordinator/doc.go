// Package coordinator provides the pull path of the sync engine.
//
// The coordinator decides when the remote mailbox sync job needs to run,
// triggers it, polls its status until it settles and then invalidates the
// thread list in the local cache. It is a small state machine:
//
//	idle -> checking            on Activate (one status check)
//	checking -> no_account      remote has no mailbox; nothing else happens
//	checking -> idle            remote is up to date
//	checking -> syncing         remote needs a sync; TriggerSync is called
//	checking -> error           the status check failed
//	syncing -> syncing          each poll while the remote job is running
//	syncing -> done             remote job idle, or the poll limit is reached
//	syncing -> error            remote job failed, or a request failed
//
// Terminal states never transition on their own. A new cycle starts with
// TriggerSync or a fresh Activate.
//
// # Usage Example
//
//	c := coordinator.New(client, cache, coordinator.ConfigFrom(&cfg.Sync),
//	    coordinator.WithPersistence(status.NewFilePersistence(cfg.GetDataDir())),
//	)
//	c.Activate(ctx, uuid.NewString())
//	defer c.Deactivate()
//
//	updates, stop := c.Watch()
//	defer stop()
//	for snap := range updates {
//	    if snap.Settled() {
//	        break
//	    }
//	}
//
// # Polling
//
// Polls run on a ticker from k8s.io/utils/clock so tests can drive them with
// a fake clock. The ceiling is a number of attempts, not wall-clock time: with
// the defaults (3s, 20 attempts) a cycle gives up after about a minute. The
// 21st status request that still reports "syncing" settles the cycle with
// reason "exhausted", as done or error depending on the exhaustion policy.
//
// # Cancellation
//
// Every goroutine runs under the context given to Activate. Deactivate cancels
// it and waits for the goroutines to exit, so no invalidation or state change
// happens after it returns. Results that arrive for a superseded cycle are
// discarded.
package coordinator
