package types

import "time"

// Event is an internally generated fact held in State's pending-events ring
// until the backend acknowledges it by id. Overflow drops the oldest entry
// and hands it to the caller's onOverflow callback (see internal/store).
type Event struct {
	EventID   string
	EventType string
	ThreadID  string
	Details   string
	CreatedAt time.Time
}

// HealthSnapshot is the shape of a health report: queue depth and counters,
// pending schedule count, the command channel's connection state, and the
// watermark. No component in this module builds one.
type HealthSnapshot struct {
	QueueDepth      int    `json:"queue_depth"`
	Enqueued        int64  `json:"enqueued"`
	Delivered       int64  `json:"delivered"`
	Dropped         int64  `json:"dropped"`
	PendingSchedule int    `json:"pending_schedule"`
	CommandChannel  string `json:"command_channel_state"`
	Watermark       int64  `json:"watermark"`
}
