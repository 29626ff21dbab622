package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
	"github.com/JakeFAU/govdoc-harvester/internal/state"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewStoreWithPool(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestNewStoreWithPoolRejectsBadPrefix(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewStoreWithPool(mock, "harvest; DROP TABLE x")
	require.Error(t, err)
	_, err = NewStoreWithPool(nil, "")
	require.Error(t, err)
}

func TestEnsureSchemaCreatesTables(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	for range store.schema() {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusReturnsBumpedVersion(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO harvest_state").
		WithArgs(
			"A",
			"running",
			"",
			"",
			1234,
			"",
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
		).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(4)))

	v, err := store.SetStatus(
		context.Background(),
		"A",
		crawler.StatusRunning,
		crawler.StatusDetails{PID: 1234},
		time.Unix(1700000000, 0),
	)
	require.NoError(t, err)
	require.EqualValues(t, 4, v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStateMissingRowIsIdle(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT status").WithArgs("A").WillReturnError(pgx.ErrNoRows)

	st, err := store.GetState(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusIdle, st.Status)
	require.Equal(t, "A", st.Identity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStateWrapsBackendErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT status").WithArgs("A").WillReturnError(errors.New("conn reset"))

	_, err := store.GetState(context.Background(), "A")
	require.ErrorContains(t, err, "get state")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddURLReportsInsertion(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO harvest_urls").
		WithArgs("A", "visited", "https://example.com/a").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO harvest_urls").
		WithArgs("A", "visited", "https://example.com/a").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ctx := context.Background()
	added, err := store.AddURL(ctx, "A", state.Visited, "https://example.com/a")
	require.NoError(t, err)
	require.True(t, added)
	added, err = store.AddURL(ctx, "A", state.Visited, "https://example.com/a")
	require.NoError(t, err)
	require.False(t, added)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPopLinkDecodesHeadAndReportsEmpty(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE harvest_queue SET claimed = TRUE").
		WithArgs("A").
		WillReturnRows(pgxmock.NewRows([]string{"link"}).
			AddRow([]byte(`{"url":"https://example.com/a","title":"t","section":"s1","collected_at":"2024-01-01T00:00:00Z"}`)))
	mock.ExpectQuery("UPDATE harvest_queue SET claimed = TRUE").
		WithArgs("A").
		WillReturnError(pgx.ErrNoRows)

	ctx := context.Background()
	link, ok, err := store.PopLink(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://example.com/a", link.URL)
	require.Equal(t, "s1", link.Section)

	_, ok, err = store.PopLink(ctx, "A")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAckAndRequeueClaimedLinks(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM harvest_queue WHERE identity = \\$1 AND claimed").
		WithArgs("A", "https://example.com/a").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("UPDATE harvest_queue SET claimed = FALSE").
		WithArgs("A").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec("UPDATE harvest_queue SET claimed = FALSE").
		WithArgs("A").
		WillReturnError(errors.New("conn reset"))

	ctx := context.Background()
	require.NoError(t, store.AckLink(ctx, "A", "https://example.com/a"))
	n, err := store.RequeueClaimed(ctx, "A")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	_, err = store.RequeueClaimed(ctx, "A")
	require.ErrorContains(t, err, "requeue claimed")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPushErrorTrimsRingInTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO harvest_errors").
		WithArgs("A", pgxmock.AnyArg(), "detail", "https://example.com/a", "boom").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM harvest_errors").
		WithArgs("A", 100).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectQuery("INSERT INTO harvest_state").
		WithArgs("A").
		WillReturnRows(pgxmock.NewRows([]string{"error_total"}).AddRow(int64(101)))
	mock.ExpectCommit()

	total, err := store.PushError(context.Background(), "A", crawler.ErrorEntry{
		Timestamp: time.Unix(1700000000, 0),
		Type:      "detail",
		URL:       "https://example.com/a",
		Message:   "boom",
	}, 100)
	require.NoError(t, err)
	require.EqualValues(t, 101, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPushErrorRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO harvest_errors").
		WithArgs("A", pgxmock.AnyArg(), "detail", "", "boom").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.PushError(context.Background(), "A", crawler.ErrorEntry{Type: "detail", Message: "boom"}, 100)
	require.ErrorContains(t, err, "insert error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountersReadZeroForMissingIdentity(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT error_total FROM harvest_state").WithArgs("A").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT details_crawled FROM harvest_state").
		WithArgs("A").
		WillReturnRows(pgxmock.NewRows([]string{"details_crawled"}).AddRow(int64(12)))

	ctx := context.Background()
	n, err := store.ErrorCount(ctx, "A")
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = store.DetailsCrawled(ctx, "A")
	require.NoError(t, err)
	require.EqualValues(t, 12, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCheckpointMapsNoRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT last_offset, complete FROM harvest_checkpoints").
		WithArgs("A", "s1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT last_offset, complete FROM harvest_checkpoints").
		WithArgs("A", "s2").
		WillReturnRows(pgxmock.NewRows([]string{"last_offset", "complete"}).AddRow(45, true))

	ctx := context.Background()
	_, err := store.GetCheckpoint(ctx, "A", "s1")
	require.ErrorIs(t, err, state.ErrNotFound)

	cp, err := store.GetCheckpoint(ctx, "A", "s2")
	require.NoError(t, err)
	require.Equal(t, crawler.Checkpoint{Section: "s2", LastOffset: 45, Complete: true}, cp)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsRoundTripThroughJSONB(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO harvest_state").
		WithArgs("A", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT stats FROM harvest_state").
		WithArgs("A").
		WillReturnRows(pgxmock.NewRows([]string{"stats"}).
			AddRow([]byte(`{"total_items":3,"categories":{"政策法规":3},"date_range":{},"file_count":1,"file_types":{".pdf":1}}`)))

	ctx := context.Background()
	require.NoError(t, store.SetStats(ctx, "A", crawler.StatsSnapshot{TotalItems: 3}))

	snap, ok, err := store.GetStats(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 3, snap.TotalItems)
	require.EqualValues(t, 3, snap.Categories["政策法规"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetDeletesEveryTable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	for _, table := range []string{"harvest_state", "harvest_checkpoints", "harvest_urls", "harvest_queue", "harvest_errors"} {
		mock.ExpectExec("DELETE FROM " + table).WithArgs("A").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, store.Reset(context.Background(), "A"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftResetKeepsDedupAndQueue(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE harvest_state SET").WithArgs("A", pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM harvest_errors").WithArgs("A").WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCommit()

	require.NoError(t, store.SoftReset(context.Background(), "A", time.Unix(1700000000, 0)))
	require.NoError(t, mock.ExpectationsWereMet())
}
