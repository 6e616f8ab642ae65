package realtime

import "vibecarding/internal/models"

// Frame types exchanged on the realtime channel.
const (
	FrameSubscribeJob   = "subscribe_job"
	FrameUnsubscribeJob = "unsubscribe_job"
	FrameUnsubscribeAll = "unsubscribe_all_jobs"
	FrameJobUpdate      = "job_update"
)

// ClientFrame is a command sent by a connected client.
type ClientFrame struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
}

// UpdateFrame is a job_update event pushed to subscribed clients.
type UpdateFrame struct {
	Type string `json:"type"`
	models.JobUpdate
}

// NewUpdateFrame wraps a job update for the wire.
func NewUpdateFrame(u models.JobUpdate) UpdateFrame {
	return UpdateFrame{Type: FrameJobUpdate, JobUpdate: u}
}
