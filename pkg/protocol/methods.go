package protocol

// RPC method names.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
	MethodWake    = "wake"

	// MethodSystemEvent injects a synthetic event into the agent's main
	// session without creating a job.
	MethodSystemEvent = "system.event"

	MethodCronAdd    = "cron.add"
	MethodCronUpdate = "cron.update"
	MethodCronRemove = "cron.remove"
	MethodCronRun    = "cron.run"
	MethodCronList   = "cron.list"
	MethodCronStatus = "cron.status"
	MethodCronRuns   = "cron.runs"
)
