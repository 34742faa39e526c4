// Package engine is the offline-first sync engine.
//
// An Engine owns the local view of one account's reminders and lists. Writes
// go through its mutation methods: the optimistic result is visible at once,
// the write is sent if possible, and connectivity failures leave it in the
// persistent queue to be replayed in order later. Server state arrives only
// through live queries; push events make those queries refetch.
//
// Conflicts are resolved server-wins. A replayed write rejected with a
// version conflict is dropped together with any later queued writes to the
// same entity, and the server copy is refetched.
//
// Usage:
//
//	q, _ := queue.New(queue.NewFileSlot(path), queue.Options{})
//	e := engine.New(client, q, engine.Options{DeviceID: id})
//	if err := e.Connect(ctx); err != nil {
//		// still usable offline
//	}
//	r, err := e.CreateReminder(ctx, model.CreateReminderInput{Title: "Buy milk"})
package engine
