package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

// poolCollector samples the license pool counters at gather time so every
// metrics push carries the post-release balances.
type poolCollector struct {
	rdb      *redis.Client
	prefix   string
	datasets []string
	logger   *slog.Logger

	poolSeatsDesc *prometheus.Desc
}

func newPoolCollector(rdb *redis.Client, prefix string, datasets []string, logger *slog.Logger) *poolCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &poolCollector{
		rdb:      rdb,
		prefix:   prefix,
		datasets: datasets,
		logger:   logger,
		poolSeatsDesc: prometheus.NewDesc(
			"granulepush_pool_seats",
			"License seats currently available, by pool.",
			[]string{"pool"},
			prometheus.Labels{"prefix": prefix},
		),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolSeatsDesc
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	if c.rdb == nil {
		return
	}
	// Bounded read so a slow store cannot stall the metrics push.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := c.rdb.Pipeline()
	dsCmds := make(map[string]*redis.StringCmd, len(c.datasets))
	for _, ds := range c.datasets {
		dsCmds[ds] = pipe.Get(ctx, fmt.Sprintf("granulepush:%s:pool:%s", c.prefix, ds))
	}
	flCmd := pipe.Get(ctx, fmt.Sprintf("granulepush:%s:pool:floating", c.prefix))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		c.logger.Warn("pool collector read failed", "err", err)
		return
	}

	for ds, cmd := range dsCmds {
		emitGauge(ch, c.poolSeatsDesc, parseSeats(cmd.Val()), ds)
	}
	emitGauge(ch, c.poolSeatsDesc, parseSeats(flCmd.Val()), "floating")
}

func parseSeats(s string) float64 {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return n
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

var registerPoolCollectorOnce sync.Once

func RegisterPoolCollector(rdb *redis.Client, prefix string, datasets []string, logger *slog.Logger) {
	registerPoolCollectorOnce.Do(func() {
		prometheus.MustRegister(newPoolCollector(rdb, prefix, datasets, logger))
	})
}
