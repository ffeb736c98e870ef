package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazardsafe/gatekeeper/internal/store"
	"github.com/hazardsafe/gatekeeper/pkg/schema"
)

type fakeExpirer struct {
	mu       sync.Mutex
	stale    []*store.Workflow
	scanErr  error
	expireBy map[string]error
	expired  []string
	cutoffs  []time.Time
}

func (f *fakeExpirer) PendingReviewsBefore(_ context.Context, cutoff time.Time) ([]*store.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	return f.stale, nil
}

func (f *fakeExpirer) ForceTimeout(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.expireBy[id]; ok {
		return err
	}
	f.expired = append(f.expired, id)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stale(ids ...string) []*store.Workflow {
	out := make([]*store.Workflow, 0, len(ids))
	for _, id := range ids {
		out = append(out, &store.Workflow{
			ID:         id,
			ScenarioID: "scenario-" + id,
			Status:     schema.StatusPendingReview,
		})
	}
	return out
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(&fakeExpirer{}, Config{TimeoutHours: 0}, testLogger())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = New(&fakeExpirer{}, Config{TimeoutHours: 24, ScanSchedule: "not a cron"}, testLogger())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestNew_DefaultsScanSchedule(t *testing.T) {
	s, err := New(&fakeExpirer{}, Config{TimeoutHours: 24, AutoExpire: true}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, defaultScanSchedule, s.cfg.ScanSchedule)
	assert.Equal(t, 24*time.Hour, s.Timeout())
}

func TestRunOnce_ExpiresStaleReviews(t *testing.T) {
	exp := &fakeExpirer{stale: stale("wf-1", "wf-2", "wf-3")}
	s, err := New(exp, Config{TimeoutHours: 24, AutoExpire: true}, testLogger())
	require.NoError(t, err)

	n := s.RunOnce(context.Background())

	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{"wf-1", "wf-2", "wf-3"}, exp.expired)
}

func TestRunOnce_CutoffReflectsTimeout(t *testing.T) {
	exp := &fakeExpirer{}
	s, err := New(exp, Config{TimeoutHours: 48, AutoExpire: true}, testLogger())
	require.NoError(t, err)

	before := time.Now().UTC().Add(-48 * time.Hour)
	s.RunOnce(context.Background())
	after := time.Now().UTC().Add(-48 * time.Hour)

	require.Len(t, exp.cutoffs, 1)
	cutoff := exp.cutoffs[0]
	assert.False(t, cutoff.Before(before))
	assert.False(t, cutoff.After(after))
}

func TestRunOnce_AutoExpireDisabled(t *testing.T) {
	exp := &fakeExpirer{stale: stale("wf-1", "wf-2")}
	s, err := New(exp, Config{TimeoutHours: 24, AutoExpire: false}, testLogger())
	require.NoError(t, err)

	n := s.RunOnce(context.Background())

	assert.Zero(t, n)
	assert.Empty(t, exp.expired)
}

func TestRunOnce_AlreadyResolvedIsBenign(t *testing.T) {
	// wf-2 was approved by a human between the scan and the write.
	exp := &fakeExpirer{
		stale: stale("wf-1", "wf-2"),
		expireBy: map[string]error{
			"wf-2": schema.NewError(schema.ErrCodeAlreadyTerminal, "workflow already resolved"),
		},
	}
	s, err := New(exp, Config{TimeoutHours: 24, AutoExpire: true}, testLogger())
	require.NoError(t, err)

	n := s.RunOnce(context.Background())

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"wf-1"}, exp.expired)
}

func TestRunOnce_ScanErrorReturnsZero(t *testing.T) {
	exp := &fakeExpirer{
		scanErr: schema.NewError(schema.ErrCodeStore, "database unavailable"),
	}
	s, err := New(exp, Config{TimeoutHours: 24, AutoExpire: true}, testLogger())
	require.NoError(t, err)

	assert.Zero(t, s.RunOnce(context.Background()))
}

func TestStartStop(t *testing.T) {
	exp := &fakeExpirer{stale: stale("wf-1")}
	s, err := New(exp, Config{TimeoutHours: 24, AutoExpire: true}, testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start must fail")

	// The loop runs an immediate scan on start.
	assert.Eventually(t, func() bool {
		exp.mu.Lock()
		defer exp.mu.Unlock()
		return len(exp.expired) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}

func TestStop_BeforeStartIsNoop(t *testing.T) {
	s, err := New(&fakeExpirer{}, Config{TimeoutHours: 24}, testLogger())
	require.NoError(t, err)
	assert.NoError(t, s.Stop())
}
