package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/progress"
	"github.com/JakeFAU/govdoc-harvester/internal/state/memory"
)

func TestErrorRingSinkPersistsErrorEvents(t *testing.T) {
	t.Parallel()

	backend := memory.NewStore()
	sink := NewErrorRingSink(backend, 2)
	now := time.Unix(1700000000, 0).UTC()

	batch := []progress.Event{
		{Identity: "A", TS: now, Level: progress.LevelInfo, Kind: progress.KindNote, Message: "ignored"},
		{Identity: "A", TS: now, Level: progress.LevelError, Kind: progress.KindItem, ErrType: "detail", URL: "u1", Message: "m1"},
		{Identity: "A", TS: now, Level: progress.LevelError, Kind: progress.KindPage, Section: "s", Message: "m2"},
		{Identity: "A", TS: now, Level: progress.LevelError, Kind: progress.KindRunError, Message: "m3"},
		{Identity: "B", TS: now, Level: progress.LevelError, Kind: progress.KindRunError, Message: "other"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	ctx := context.Background()
	total, err := backend.ErrorCount(ctx, "A")
	require.NoError(t, err)
	require.EqualValues(t, 3, total)

	recent, err := backend.RecentErrors(ctx, "A", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "m3", recent[0].Message)
	require.Equal(t, string(progress.KindRunError), recent[0].Type)
	require.Equal(t, "PAGE", recent[1].Type)

	other, err := backend.ErrorCount(ctx, "B")
	require.NoError(t, err)
	require.EqualValues(t, 1, other)
}

type failingRing struct{}

func (failingRing) PushError(context.Context, string, crawler.ErrorEntry, int) (int64, error) {
	return 0, errors.New("store down")
}

func TestErrorRingSinkSurfacesStoreErrors(t *testing.T) {
	t.Parallel()

	sink := NewErrorRingSink(failingRing{}, 0)
	err := sink.Consume(context.Background(), []progress.Event{
		{Identity: "A", TS: time.Now(), Level: progress.LevelError, Kind: progress.KindRunError, Message: "m"},
	})
	require.ErrorContains(t, err, "store down")

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Identity: "A", TS: time.Now(), Level: progress.LevelWarn, Kind: progress.KindNote},
	}))
}
