// Package syncengine moves changes between the local store and a remote
// change feed.
//
// A cycle checks that the remote account is usable, pulls every change
// since the stored cursor, merges them into the store, commits the new
// cursor and then pushes local state: queued deletions first, then every
// pushable entity. A cycle that fails leaves the cursor where it was, so
// the next one starts over from the last committed point.
//
//	engine := syncengine.New(st, backend, syncengine.WithLogger(logger))
//	if err := engine.Sync(ctx); err != nil {
//	    log.Printf("sync failed: %v", err)
//	}
//	fmt.Println(engine.Status().Message)
package syncengine
