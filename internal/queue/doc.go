// Package queue provides the durable, ordered log of pending local writes.
//
// A Store holds QueuedMutation records in insertion order and persists the
// whole log to a Slot on every change. The log is copy-on-write: every
// Enqueue, Dequeue, Replace and Clear builds a new slice, so a slice returned
// by List is never modified afterwards and can be iterated while replay is
// removing entries.
//
// # Slots
//
// A Slot is one named storage location holding the encoded log:
//
//   - MemorySlot keeps the bytes in memory (tests).
//   - FileSlot writes a JSON file atomically (temp file + rename) so another
//     process, such as a widget or share extension, can read it at any time.
//     FileSlot.Watch reports writes made by other processes.
//   - SQLiteSlot stores the bytes as a row of a slots table.
//
// # Encoding
//
// The log is a JSON array of QueuedMutation objects. On load every record is
// decoded and validated on its own; a record that fails is dropped with a
// warning instead of failing the whole load, so a single corrupt entry can
// never make the queue unreadable.
//
// # Bounds
//
// Options.MaxSize caps the log (default 1000). Enqueue never rejects: when
// the log is full the oldest record is dropped and a warning is logged.
//
// # Example
//
//	slot := queue.NewFileSlot(filepath.Join(dir, "queue.json"))
//	q, err := queue.New(slot, queue.Options{})
//	if err != nil {
//	    return err
//	}
//	if err := q.Enqueue(m); err != nil {
//	    log.Printf("queue not persisted: %v", err)
//	}
//	for _, m := range q.List() {
//	    // replay oldest-first
//	}
package queue
