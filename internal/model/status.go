package model

// Container lifecycle states tracked by the orchestrator.
const (
	StatusAbsent        = "absent"
	StatusCreating      = "creating"
	StatusReady         = "ready"
	StatusRunning       = "running"
	StatusStopped       = "stopped"
	StatusDeleting      = "deleting"
	StatusFailedCleanup = "failed-cleanup"
)
