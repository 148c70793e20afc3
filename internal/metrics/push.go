package metrics

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushInvocation ships everything registered on the default gatherer to a
// Pushgateway. Batch invocations are gone before a scraper would find them,
// so push is the only exposure path. Best-effort: the run's outcome never
// depends on metrics delivery.
func PushInvocation(gatewayURL, reservationID string, jobIndex int, logger *slog.Logger) {
	if gatewayURL == "" {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := push.New(gatewayURL, "granulepush").
		Gatherer(prometheus.DefaultGatherer).
		Grouping("reservation", reservationID).
		Grouping("job_index", strconv.Itoa(jobIndex))

	start := time.Now()
	if err := p.Add(); err != nil {
		logger.Warn("metrics push failed", "gateway", gatewayURL, "err", err)
		return
	}
	logger.Debug("metrics pushed", "gateway", gatewayURL, "took", time.Since(start))
}
