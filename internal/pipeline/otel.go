package pipeline

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/squadsync/extension/internal/pipeline"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
