package tracking

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// StatsCollector manages periodic collection of ring statistics
type StatsCollector struct {
	storage            StatsStorage
	source             StatsSource
	collectionInterval time.Duration
	log                *logrus.Entry
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector(storage StatsStorage, source StatsSource, interval time.Duration) *StatsCollector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &StatsCollector{
		storage:            storage,
		source:             source,
		collectionInterval: interval,
		log:                logrus.WithField("component", "stats"),
	}
}

// Start begins periodic collection of ring statistics
func (sc *StatsCollector) Start(ctx context.Context) error {
	ticker := time.NewTicker(sc.collectionInterval)
	defer ticker.Stop()

	sc.log.Infof("Starting ring stats collection every %v", sc.collectionInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sc.Collect(); err != nil {
				sc.log.WithError(err).Warn("Error collecting ring stats")
			}
		}
	}
}

// Collect stores one sample if a session is active.
func (sc *StatsCollector) Collect() error {
	sample, ok := sc.source.RingSample()
	if !ok {
		return nil
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	return sc.storage.InsertRingSample(sample)
}
