package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/scalperguard/resale-guard/internal/config"
	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/logger"
	"github.com/scalperguard/resale-guard/internal/mocks"
)

func TestMain(m *testing.M) {
	// Initialize logger for tests
	err := logger.Initialize(logger.Config{
		Debug: false,
	})
	if err != nil {
		panic(err)
	}

	code := m.Run()
	os.Exit(code)
}

var fastRestart = config.RetryConfig{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

func TestSupervise_RestartsUntilCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idx := mocks.NewMockIndexer(ctrl)
	gomock.InOrder(
		idx.EXPECT().Run(gomock.Any()).Return(domain.ErrSourceUnavailable),
		idx.EXPECT().Run(gomock.Any()).Return(errors.New("connection refused")),
		idx.EXPECT().Run(gomock.Any()).DoAndReturn(func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		}),
	)

	err := supervise(ctx, idx, fastRestart)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSupervise_CleanStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	idx := mocks.NewMockIndexer(ctrl)
	idx.EXPECT().Run(gomock.Any()).Return(nil)

	assert.NoError(t, supervise(context.Background(), idx, fastRestart))
}

func TestSupervise_RestartBudgetExhausted(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	idx := mocks.NewMockIndexer(ctrl)
	idx.EXPECT().Run(gomock.Any()).Return(domain.ErrSourceUnavailable).MinTimes(1)

	cfg := fastRestart
	cfg.MaxElapsedTime = 20 * time.Millisecond

	err := supervise(context.Background(), idx, cfg)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestSupervise_ConfigErrorIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	idx := mocks.NewMockIndexer(ctrl)
	idx.EXPECT().Run(gomock.Any()).
		Return(fmt.Errorf("failed to subscribe: %w", domain.ErrInvalidConfig)).
		Times(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := supervise(ctx, idx, fastRestart)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	assert.NoError(t, ctx.Err())
}
