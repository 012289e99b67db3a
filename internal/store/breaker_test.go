package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/store"
	"github.com/Tyrowin/relaychat/internal/store/mocks"
)

var errDown = errors.New("connection refused")

func TestBreaker_PassesThroughWhenHealthy(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockStore(ctrl)
	b := store.WithBreaker(next, store.BreakerConfig{Failures: 2})
	ctx := context.Background()

	want := store.Message{ID: 3, Content: "hi"}
	next.EXPECT().Append(ctx, "hi").Return(want, nil)
	next.EXPECT().List(ctx).Return([]store.Message{want}, nil)
	next.EXPECT().Delete(ctx, int64(3)).Return(int64(1), nil)

	got, err := b.Append(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	list, err := b.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.Message{want}, list)

	n, err := b.Delete(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockStore(ctrl)
	m := metrics.NewStore(prometheus.NewRegistry())
	b := store.WithBreaker(next, store.BreakerConfig{Failures: 2, Timeout: time.Hour, Metrics: m})
	ctx := context.Background()

	next.EXPECT().List(ctx).Return(nil, errDown).Times(2)

	// Given two failures in a row
	_, err := b.List(ctx)
	require.ErrorIs(t, err, errDown)
	_, err = b.List(ctx)
	require.ErrorIs(t, err, errDown)

	// Then the circuit is open and calls are rejected without reaching the backend
	assert.Equal(t, gobreaker.StateOpen, b.State())
	_, err = b.Append(ctx, "dropped")
	assert.ErrorIs(t, err, store.ErrUnavailable)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Operations.WithLabelValues("list", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("append", "rejected")))
	assert.Equal(t, float64(gobreaker.StateOpen), testutil.ToFloat64(m.BreakerState))
}

func TestBreaker_EmptyContentDoesNotTrip(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockStore(ctrl)
	b := store.WithBreaker(next, store.BreakerConfig{Failures: 1})
	ctx := context.Background()

	next.EXPECT().Append(ctx, "").Return(store.Message{}, store.ErrEmptyContent).Times(3)

	for i := 0; i < 3; i++ {
		_, err := b.Append(ctx, "")
		assert.ErrorIs(t, err, store.ErrEmptyContent)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockStore(ctrl)
	b := store.WithBreaker(next, store.BreakerConfig{Failures: 1, Timeout: 20 * time.Millisecond})
	ctx := context.Background()

	gomock.InOrder(
		next.EXPECT().Delete(ctx, int64(1)).Return(int64(0), errDown),
		next.EXPECT().Delete(ctx, int64(1)).Return(int64(1), nil),
	)

	_, err := b.Delete(ctx, 1)
	require.ErrorIs(t, err, errDown)
	require.Equal(t, gobreaker.StateOpen, b.State())

	require.Eventually(t, func() bool {
		return b.State() == gobreaker.StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	n, err := b.Delete(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_CloseDelegates(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := mocks.NewMockStore(ctrl)
	next.EXPECT().Close().Return(nil)

	assert.NoError(t, store.WithBreaker(next, store.BreakerConfig{}).Close())
}
