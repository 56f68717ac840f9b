package cron

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePruner struct {
	cutoff      time.Time
	minAttempts int
	deleted     int64
	err         error
}

func (f *fakePruner) DeletePublishedBefore(_ context.Context, cutoff time.Time, minAttempts int) (int64, error) {
	f.cutoff = cutoff
	f.minAttempts = minAttempts
	return f.deleted, f.err
}

func TestRetentionJobPrunesBeforeCutoff(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	pruner := &fakePruner{deleted: 7}
	jobIface, err := NewOutboxRetentionJob(pruner, 72*time.Hour)
	if err != nil {
		t.Fatalf("NewOutboxRetentionJob: %v", err)
	}
	job := jobIface.(*retentionJob)
	job.now = func() time.Time { return now }

	report, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := now.Add(-72 * time.Hour); !pruner.cutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, pruner.cutoff)
	}
	if pruner.minAttempts != retainAfterAttempts {
		t.Fatalf("expected min attempts %d, got %d", retainAfterAttempts, pruner.minAttempts)
	}
	if report["deleted"] != 7 {
		t.Fatalf("expected 7 deleted, got %s", report)
	}
}

func TestRetentionJobDefaultsAndErrors(t *testing.T) {
	if _, err := NewOutboxRetentionJob(nil, time.Hour); err == nil {
		t.Fatal("expected error without repository")
	}
	jobIface, err := NewOutboxRetentionJob(&fakePruner{err: errors.New("boom")}, 0)
	if err != nil {
		t.Fatalf("NewOutboxRetentionJob: %v", err)
	}
	if jobIface.(*retentionJob).retention != defaultOutboxRetention {
		t.Fatal("expected default retention")
	}
	if _, err := jobIface.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
