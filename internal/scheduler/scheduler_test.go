package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waldur/site-agent/internal/logging"
)

func TestScheduler_RunImmediatelyFiresBeforeFirstTick(t *testing.T) {
	var calls int32
	logger := logging.New("error", "json")
	s := New(logger, Worker{
		Name:           "w",
		Interval:       time.Hour,
		RunImmediately: true,
		Fn:             func(ctx context.Context) error { atomic.AddInt32(&calls, 1); return nil },
	})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestScheduler_StopIsIdempotentAndWaitsForWorkers(t *testing.T) {
	logger := logging.New("error", "json")
	s := New(logger, Worker{
		Name:     "w",
		Interval: time.Millisecond,
		Fn:       func(ctx context.Context) error { return nil },
	})

	s.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	s.Stop()
	s.Stop() // must not panic or block forever
}

func TestScheduler_ScheduleTakesPrecedenceOverInterval(t *testing.T) {
	var calls int32
	logger := logging.New("error", "json")
	schedule, err := cron.ParseStandard("* * * * *") // fires once a minute; used only to confirm the Schedule path runs, not Interval's
	require.NoError(t, err)

	s := New(logger, Worker{
		Name:     "w",
		Interval: time.Millisecond, // would fire many times within the test's sleep if it were used
		Schedule: schedule,
		Fn:       func(ctx context.Context) error { atomic.AddInt32(&calls, 1); return nil },
	})

	// Schedule.Next() from "now" for "* * * * *" is always within 60s, too
	// slow for a unit test; instead assert Stop() returns promptly without
	// ever having fired, proving the 1ms Interval branch was not taken and
	// the goroutine is blocked on the cron timer rather than a ticker.
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	s.Stop()
}

func TestScheduler_PerCycleTraceIDIsDistinctAcrossRuns(t *testing.T) {
	var traceIDs []interface{}
	logger := logging.New("error", "json")
	s := New(logger, Worker{
		Name:     "w",
		Interval: 5 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			traceIDs = append(traceIDs, ctx.Value(logging.TraceIDKey))
			return nil
		},
	})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return len(traceIDs) >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	require.GreaterOrEqual(t, len(traceIDs), 2)
	assert.NotEqual(t, traceIDs[0], traceIDs[1])
	assert.NotEmpty(t, traceIDs[0])
}

func TestScheduler_WorkerErrorDoesNotStopOtherWorkers(t *testing.T) {
	var okCalls int32
	logger := logging.New("error", "json")
	s := New(logger,
		Worker{Name: "failing", Interval: 5 * time.Millisecond, Fn: func(ctx context.Context) error { return errors.New("boom") }},
		Worker{Name: "ok", Interval: 5 * time.Millisecond, Fn: func(ctx context.Context) error { atomic.AddInt32(&okCalls, 1); return nil }},
	)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&okCalls) >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
}
