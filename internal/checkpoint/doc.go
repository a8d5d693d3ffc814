// Package checkpoint implements the human-in-the-loop checkpoint protocol.
//
// A checkpoint is opened when the compute engine emits a checkpoint event
// during a mission and moves exactly once from open to approved, rejected,
// modified or expired. The Controller is the only writer of checkpoint
// records. Concurrent responses to one checkpoint are serialized in-process
// by a keyed mutex and across processes by a versioned claim in the store,
// so exactly one resolution wins and every other caller observes a conflict
// carrying the stored resolution.
//
// Deadlines are always measured against the stored deadline and the server
// clock. Expired checkpoints fail their mission with reason
// checkpoint_timeout; RunSweeper expires checkpoints nobody is waiting on.
package checkpoint
