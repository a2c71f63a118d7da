package recorder

import (
	"go.opentelemetry.io/otel/metric"

	intotel "github.com/pairwave/peercall/internal/otel"
)

var (
	recordingsActive  metric.Int64UpDownCounter
	recordingsStarted metric.Int64Counter
	recordingsStopped metric.Int64Counter

	chunksCaptured metric.Int64Counter
	bytesCaptured  metric.Int64Counter
)

func init() {
	f := intotel.NewFactory("recorder", intotel.PrefixRecorder)

	f.Int64UpDownCounter(&recordingsActive, "recordings.active",
		metric.WithDescription("Number of recordings in progress"))

	f.Int64Counter(&recordingsStarted, "recordings.started",
		metric.WithDescription("Total recordings started"))

	f.Int64Counter(&recordingsStopped, "recordings.stopped",
		metric.WithDescription("Total recordings finalized"))

	f.Int64Counter(&chunksCaptured, "chunks.captured",
		metric.WithDescription("Total container chunks captured"))

	f.Int64Counter(&bytesCaptured, "bytes.captured",
		metric.WithDescription("Total container bytes captured"))
}
