package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики клиента. Регистрируются в default registry при импорте.
var (
	// Reconnects — количество успешных переподключений к брокеру.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_reconnects_total",
		Help: "Number of successful reconnections to the broker.",
	})

	// Published — количество опубликованных сообщений по обменникам.
	Published = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_published_total",
		Help: "Number of published messages.",
	}, []string{"exchange"})

	// PublishErrors — количество неудачных публикаций.
	PublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_publish_errors_total",
		Help: "Number of failed publishes, including broker nacks.",
	})

	// Consumed — количество доставленных сообщений по очередям.
	Consumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_consumed_total",
		Help: "Number of consumed messages.",
	}, []string{"queue"})

	// RPCCalls — количество RPC вызовов по методам и результатам.
	RPCCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_rpc_calls_total",
		Help: "Number of RPC calls.",
	}, []string{"method", "status"})

	// OutboxRelayed — количество сообщений, отправленных relay из outbox.
	OutboxRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_outbox_relayed_total",
		Help: "Number of outbox messages relayed to the broker.",
	})

	// ScheduledPublishes — количество публикаций планировщика.
	ScheduledPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_scheduled_publishes_total",
		Help: "Number of messages published by the scheduler.",
	}, []string{"entry"})
)
