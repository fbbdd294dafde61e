package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBench(t *testing.T) {
	opts := BenchOptions{
		Tasks:          40,
		Conns:          3,
		Workers:        8,
		Hold:           time.Millisecond,
		AcquireTimeout: 10 * time.Second,
	}

	report, err := Bench(context.Background(), opts, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, 40, report.Tasks)
	assert.Equal(t, int64(40), report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.Equal(t, "bench", report.Pool.Name)
	assert.Equal(t, 3, report.Pool.Capacity)
	assert.Zero(t, report.Pool.InUse)
	assert.GreaterOrEqual(t, report.Pool.Acquired, int64(40))
	assert.Equal(t, int64(40), report.Workers.Completed)
	assert.Equal(t, int64(40), report.Workers.Submitted)
	assert.LessOrEqual(t, report.P50, report.Max)
	assert.Greater(t, report.Max, time.Duration(0))

	var out bytes.Buffer
	report.Print(&out)
	assert.Contains(t, out.String(), "tasks:       40 (ok 40, failed 0)")
	assert.Contains(t, out.String(), "capacity 3")
}

func TestBench_Validation(t *testing.T) {
	_, err := Bench(context.Background(), BenchOptions{Tasks: 0, Conns: 1}, nil)
	assert.Error(t, err)

	_, err = Bench(context.Background(), BenchOptions{Tasks: 1, Conns: 0}, nil)
	assert.Error(t, err)
}

func TestBench_SingleConnectionSerializesTasks(t *testing.T) {
	report, err := Bench(context.Background(), BenchOptions{
		Tasks:          10,
		Conns:          1,
		Workers:        10,
		Hold:           2 * time.Millisecond,
		AcquireTimeout: 10 * time.Second,
		LogQueries:     true,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, int64(10), report.Succeeded)
	assert.Positive(t, report.Pool.Waited, "tasks queue behind the single connection")
	assert.GreaterOrEqual(t, report.Elapsed, 20*time.Millisecond)
}
