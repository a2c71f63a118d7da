package relay

import (
	"go.opentelemetry.io/otel/metric"

	intotel "github.com/pairwave/peercall/internal/otel"
)

var (
	connectionsActive metric.Int64UpDownCounter
	connectionsTotal  metric.Int64Counter

	roomsActive metric.Int64UpDownCounter

	messagesForwarded metric.Int64Counter
	messagesDropped   metric.Int64Counter

	joinsRejected metric.Int64Counter
	roomsExpired  metric.Int64Counter
)

func init() {
	f := intotel.NewFactory("relay", intotel.PrefixRelay)

	f.Int64UpDownCounter(&connectionsActive, "connections.active",
		metric.WithDescription("Number of active WebSocket connections"))

	f.Int64Counter(&connectionsTotal, "connections.total",
		metric.WithDescription("Total WebSocket connections accepted"))

	f.Int64UpDownCounter(&roomsActive, "rooms.active",
		metric.WithDescription("Number of live rooms"))

	f.Int64Counter(&messagesForwarded, "messages.forwarded",
		metric.WithDescription("Total messages forwarded between peers"))

	f.Int64Counter(&messagesDropped, "messages.dropped",
		metric.WithDescription("Total messages dropped by rate limiting or slow consumers"))

	f.Int64Counter(&joinsRejected, "joins.rejected",
		metric.WithDescription("Total join attempts rejected"))

	f.Int64Counter(&roomsExpired, "rooms.expired",
		metric.WithDescription("Total half-open rooms evicted by TTL"))
}
