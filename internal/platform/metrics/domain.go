package metrics

// Shared instruments for the task lifecycle services. Each process registers
// them once through Default and serves them on its /metrics endpoint.
var (
	EventsConsumed = NewCounterVec(Opts{
		Name: "lifecycle_events_consumed_total",
		Help: "Events consumed from the stream, by consumer group and outcome.",
	}, []string{"group", "outcome"})

	EventsPublished = NewCounterVec(Opts{
		Name: "lifecycle_events_published_total",
		Help: "Events published to the stream, by subject root.",
	}, []string{"stream"})

	DLQPublished = NewCounterVec(Opts{
		Name: "lifecycle_dlq_published_total",
		Help: "Events parked on the dead letter queue, by consumer group.",
	}, []string{"group"})

	RemindersFired = NewCounterVec(Opts{
		Name: "reminder_jobs_fired_total",
		Help: "Reminder jobs fired, by result.",
	}, []string{"result"})

	NotificationsSent = NewCounterVec(Opts{
		Name: "notifications_sent_total",
		Help: "Notification deliveries, by channel and result.",
	}, []string{"channel", "result"})

	SyncConnections = NewGauge(Opts{
		Name: "sync_active_connections",
		Help: "Currently registered websocket connections.",
	})
)

func init() {
	Default.MustRegister(
		EventsConsumed,
		EventsPublished,
		DLQPublished,
		RemindersFired,
		NotificationsSent,
		SyncConnections,
	)
}
