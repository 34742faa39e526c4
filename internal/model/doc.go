// Package model defines the entities exchanged between the sync engine,
// the transport and the reference server.
//
// # Entities
//
//   - Reminder: a single reminder, versioned by the server
//   - ReminderList: a folder of reminders; exactly one per account is the default
//   - User: the signed-in account
//   - QueuedMutation: an instruction to mutate an entity, held by the queue store
//
// # Versions
//
// Every Reminder and ReminderList carries a Version assigned by the server.
// Optimistic creates start at version 0; the first server acknowledgement
// yields version 1 and every later write increments it. Clients never apply a
// state whose version is lower than the last one observed from the server.
//
// # Payloads
//
// Each remote operation has a payload type (CreateReminderInput,
// UpdateReminderInput, ...). A queued mutation stores its payload verbatim, so
// replaying it re-sends exactly the same logical operation. Every payload
// carries the client-generated MutationID the server uses as an idempotency key.
package model
