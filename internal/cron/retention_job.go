package cron

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultOutboxRetention = 30 * 24 * time.Hour
	// Rows that needed this many publish attempts are kept for inspection.
	retainAfterAttempts = 5
)

type publishedPruner interface {
	DeletePublishedBefore(ctx context.Context, cutoff time.Time, minAttempts int) (int64, error)
}

// NewOutboxRetentionJob deletes outbox rows published more than retention
// ago. Unpublished rows and dead letters are never touched.
func NewOutboxRetentionJob(outbox publishedPruner, retention time.Duration) (Job, error) {
	if outbox == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	if retention <= 0 {
		retention = defaultOutboxRetention
	}
	return &retentionJob{outbox: outbox, retention: retention, now: time.Now}, nil
}

type retentionJob struct {
	outbox    publishedPruner
	retention time.Duration
	now       func() time.Time
}

func (j *retentionJob) Name() string { return "outbox-retention" }

func (j *retentionJob) Run(ctx context.Context) (Report, error) {
	cutoff := j.now().UTC().Add(-j.retention)
	n, err := j.outbox.DeletePublishedBefore(ctx, cutoff, retainAfterAttempts)
	if err != nil {
		return nil, fmt.Errorf("prune outbox before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return Report{"deleted": int(n)}, nil
}
