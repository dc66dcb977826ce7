// Package engine keeps a device's local replica in step with the user's
// single remote snapshot.
//
// # Model
//
// The remote side holds one snapshot per user. The engine never merges:
//
//   - Push uploads every configured collection as one snapshot, replacing
//     whatever the remote held.
//   - Pull applies the remote snapshot only when its updated_at is strictly
//     newer than the local sync point, overwriting local collections and
//     deleting configured collections the snapshot no longer carries.
//   - The realtime listener applies notifications from other devices the
//     same way and ignores its own echoes by device id.
//
// After every remote-triggered overwrite the engine publishes a bus.Event
// naming the collections it touched, so views can reload.
//
// # Lifecycle
//
//	eng, err := engine.New(engine.Deps{
//	    Replica:    db,
//	    Store:      client,
//	    Subscriber: client,
//	    Identity:   id,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := eng.SignIn(ctx, "user-1"); err != nil {
//	    return err
//	}
//	eng.Start()
//	defer eng.Stop()
//
//	eng.MarkDirty("customers") // pushed after the debounce interval
//
// Push and Pull report success as a bool. The failure reason lands in
// Status().Error and Err().
package engine
