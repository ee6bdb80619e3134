package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_session_transitions_total",
			Help: "Call session state transitions by target status",
		},
		[]string{"status"},
	)

	CallAnswerRaceLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "call_session_answer_race_lost_total",
			Help: "AnswerCall attempts that found the session no longer waiting",
		},
	)

	MeetingsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetings_created_total",
			Help: "Meeting provisioning attempts by outcome",
		},
		[]string{"outcome"},
	)

	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Notifications delivered by channel",
		},
		[]string{"channel"},
	)

	NotificationsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_suppressed_total",
			Help: "Notifications dropped because they fell in quiet hours",
		},
	)

	ChannelFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_channel_failures_total",
			Help: "External channel send failures",
		},
		[]string{"channel"},
	)

	TimersArmed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_timers_armed",
			Help: "Scheduled notification timers currently armed in this process",
		},
	)
)
