package contracts

import "time"

// Event type wire values. Schema changes are additive-only: consumers must
// tolerate types they do not know.
const (
	TaskCreated   = "task.created"
	TaskUpdated   = "task.updated"
	TaskCompleted = "task.completed"
	TaskDeleted   = "task.deleted"
	TaskRestored  = "task.restored"

	ReminderScheduled      = "reminder.scheduled"
	ReminderTriggered      = "reminder.triggered"
	ReminderCancelled      = "reminder.cancelled"
	ReminderScheduleFailed = "reminder.schedule_failed"
	ReminderDeliveryFailed = "reminder.delivery_failed"
)

// Task status values.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Recurrence frequencies.
const (
	FreqDaily   = "daily"
	FreqWeekly  = "weekly"
	FreqMonthly = "monthly"
	FreqYearly  = "yearly"
)

// Reminder job status values.
const (
	JobScheduled = "scheduled"
	JobFired     = "fired"
	JobCancelled = "cancelled"
	JobFailed    = "failed"
)

// Reminder delivery channels.
const (
	ChannelConsole = "console"
	ChannelPush    = "push"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// RecurrenceRule describes how a task repeats. Count is the total number of
// instances including the original one; zero means unbounded. Count and Until
// are mutually exclusive.
type RecurrenceRule struct {
	Frequency string     `json:"frequency"`
	Interval  int        `json:"interval"`
	Count     int        `json:"count,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
}

// TaskSnapshot is the full task state carried inside event payloads.
type TaskSnapshot struct {
	TaskID          string          `json:"task_id"`
	OwnerID         string          `json:"owner_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Status          string          `json:"status"`
	Priority        string          `json:"priority"`
	DueAt           *time.Time      `json:"due_at,omitempty"`
	RemindAt        *time.Time      `json:"remind_at,omitempty"`
	ReminderChannel string          `json:"reminder_channel,omitempty"`
	Recurrence      *RecurrenceRule `json:"recurrence,omitempty"`
	OccurrenceIndex int             `json:"occurrence_index,omitempty"`
	ParentTaskID    string          `json:"parent_task_id,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ReminderInfo is the reminder block carried by reminder.* events.
type ReminderInfo struct {
	JobID       string    `json:"job_id"`
	TriggerTime time.Time `json:"trigger_time"`
	Channel     string    `json:"channel"`
	Message     string    `json:"message,omitempty"`
}

// Payload carries the event-specific data: the task state after the change,
// the state before it (for audit diffs), and a reminder block for reminder
// events.
type Payload struct {
	Task     *TaskSnapshot `json:"task,omitempty"`
	Previous *TaskSnapshot `json:"previous,omitempty"`
	Reminder *ReminderInfo `json:"reminder,omitempty"`
}

// Envelope is the canonical event published on task.event.> and
// reminder.event.> subjects. OwnerID is the partition key: all of one owner's
// events share a subject, so JetStream preserves their relative order.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	OwnerID       string    `json:"owner_id"`
	TaskID        string    `json:"task_id"`
	OccurredAt    time.Time `json:"occurred_at"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Payload       Payload   `json:"payload"`
}

// IsTaskEvent reports whether the type is one of the task lifecycle types the
// broadcaster and recurrence engine act on.
func IsTaskEvent(eventType string) bool {
	switch eventType {
	case TaskCreated, TaskUpdated, TaskCompleted, TaskDeleted, TaskRestored:
		return true
	default:
		return false
	}
}
