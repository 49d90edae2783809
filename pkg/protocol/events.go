package protocol

// WebSocket event names pushed from server to client.
const (
	EventHealth    = "health"
	EventCron      = "cron"
	EventChat      = "chat"
	EventTick      = "tick"
	EventHeartbeat = "heartbeat"
	EventShutdown  = "shutdown"
)

// Cron event subtypes (in payload.type).
const (
	CronEventJobAdded    = "job.added"
	CronEventJobUpdated  = "job.updated"
	CronEventJobRemoved  = "job.removed"
	CronEventRunStarted  = "run.started"
	CronEventRunFinished = "run.finished"
)
