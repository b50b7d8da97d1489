package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messageProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "moderation_message_duration_sec",
	Help: "Duration of the per-message moderation pipeline",
})

var messageDecisionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_message_decisions",
	Help: "Number of messages processed, by resulting action",
}, []string{"action", "reason"})

var messageErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_event_errors",
	Help: "Number of events which failed processing",
}, []string{"type"})

var reactionAttachCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_reactions_attached",
	Help: "Number of auto-reaction attempts, by result",
}, []string{"result"})

var usersCreatedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_users_created",
	Help: "Number of user rows created lazily, by triggering event",
}, []string{"type"})
