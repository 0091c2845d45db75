package keeper

// OpState tracks a write operation through the sync pipeline. Idle is both
// initial and terminal per operation; Queued is terminal-but-pending,
// resolved later by queue replay.
type OpState string

const (
	StateIdle        OpState = "idle"
	StateSigning     OpState = "signing"
	StateTreeRebuild OpState = "tree_rebuild"
	StateSending     OpState = "sending"
	StateConfirmed   OpState = "confirmed"
	StateQueued      OpState = "queued"
	StateFailed      OpState = "failed"
)
