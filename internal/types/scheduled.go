package types

import "time"

// ScheduleStatus is the lifecycle state of a ScheduledMessage.
type ScheduleStatus string

const (
	StatusPending   ScheduleStatus = "pending"
	StatusSent      ScheduleStatus = "sent"
	StatusFailed    ScheduleStatus = "failed"
	StatusCancelled ScheduleStatus = "cancelled"
)

// ScheduledMessage is a durable, wall-clock-timed outbound send owned
// exclusively by the Scheduler. Status transitions are pending -> {sent,
// failed, cancelled}; sent and cancelled are terminal, and failed does not
// auto-retry at this layer. At most one transition away from pending ever
// succeeds for a given id (see the scheduler's claimOne).
type ScheduledMessage struct {
	ID        string
	ThreadID  string
	Text      string
	SendAt    time.Time
	IsGroup   bool
	Status    ScheduleStatus
	CreatedAt time.Time
	CommandID string
	Error     string
	Attempts  int
}
