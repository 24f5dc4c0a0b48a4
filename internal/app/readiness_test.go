package app_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velivolant/gateway/internal/app"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeConsumer struct{ state string }

func (f fakeConsumer) State() string { return f.state }

func TestBuildReadinessChecks_AllHealthy(t *testing.T) {
	dbCheck, brokerCheck := app.BuildReadinessChecks(fakePinger{}, fakeConsumer{state: "running"}, "running")
	require.NoError(t, dbCheck(context.Background()))
	require.NoError(t, brokerCheck(context.Background()))
}

func TestBuildReadinessChecks_DBDown(t *testing.T) {
	dbCheck, _ := app.BuildReadinessChecks(fakePinger{err: errors.New("conn refused")}, fakeConsumer{state: "running"}, "running")
	assert.Error(t, dbCheck(context.Background()))
}

func TestBuildReadinessChecks_ConsumerNotRunning(t *testing.T) {
	_, brokerCheck := app.BuildReadinessChecks(fakePinger{}, fakeConsumer{state: "connecting"}, "running")
	err := brokerCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting")
}

func TestBuildReadinessChecks_NotConfigured(t *testing.T) {
	dbCheck, brokerCheck := app.BuildReadinessChecks(nil, nil, "running")
	assert.Error(t, dbCheck(context.Background()))
	assert.Error(t, brokerCheck(context.Background()))
}
