package metrics

import "expvar"

var (
	TokenRefreshes       = expvar.NewInt("token_refreshes")
	TokenRefreshFailures = expvar.NewInt("token_refresh_failures")
	AuthEscalations      = expvar.NewInt("auth_escalations")
	CredentialExpiries   = expvar.NewInt("credential_expiries")

	SessionConnects   = expvar.NewInt("session_connects")
	SessionFailures   = expvar.NewInt("session_failures")
	Reconnects        = expvar.NewInt("reconnects")
	HeartbeatTimeouts = expvar.NewInt("heartbeat_timeouts")
	DecodeErrors      = expvar.NewInt("decode_errors")
	FramesReceived    = expvar.NewInt("frames_received")
	FramesSent        = expvar.NewInt("frames_sent")
	InBandRefreshes   = expvar.NewInt("inband_token_refreshes")

	DispatchDrops  = expvar.NewInt("dispatch_drops")
	UnroutedFrames = expvar.NewInt("unrouted_frames")

	ExecutionReports   = expvar.NewInt("execution_reports")
	UnknownStateCodes  = expvar.NewInt("unknown_state_codes")
	IgnoredTransitions = expvar.NewInt("ignored_transitions")
	UnmatchedReports   = expvar.NewInt("unmatched_reports")
	OrdersPlaced       = expvar.NewInt("orders_placed")
	OrdersRejected     = expvar.NewInt("orders_rejected")
	OrdersDeactivated  = expvar.NewInt("orders_deactivated")

	FillsApplied        = expvar.NewInt("fills_applied")
	DuplicateFills      = expvar.NewInt("duplicate_fills")
	LedgerQueueFull     = expvar.NewInt("ledger_queue_full")
	LedgerWriteFailures = expvar.NewInt("ledger_write_failures")

	QueuedOps   = expvar.NewInt("queued_ops")
	RejectedOps = expvar.NewInt("rejected_ops")

	SnapshotSaves = expvar.NewInt("snapshot_saves")
)
