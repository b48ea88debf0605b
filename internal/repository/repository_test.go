package repository

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "labcell.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWaferCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &WaferRecord{WaferID: "W-001", TrayID: "inert-1", SlotIndex: 0, Status: "staged"}
	require.NoError(t, s.CreateWafer(ctx, w))
	assert.NotZero(t, w.ID)

	got, err := s.GetWafer(ctx, "W-001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "inert-1", got.TrayID)

	require.NoError(t, s.UpdateWaferStatus(ctx, "W-001", "baked", "baking-1", 3))
	got, err = s.GetWafer(ctx, "W-001")
	require.NoError(t, err)
	assert.Equal(t, "baked", got.Status)
	assert.Equal(t, "baking-1", got.TrayID)
	assert.Equal(t, 3, got.SlotIndex)

	missing, err := s.GetWafer(ctx, "W-404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListWafersByTray(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"W-b", "W-a", "W-c"} {
		slot := []int{2, 0, 1}[i]
		require.NoError(t, s.CreateWafer(ctx, &WaferRecord{
			WaferID: id, TrayID: "inert-1", SlotIndex: slot, Status: "staged",
		}))
	}
	wafers, err := s.ListWafersByTray(ctx, "inert-1")
	require.NoError(t, err)
	require.Len(t, wafers, 3)
	assert.Equal(t, "W-a", wafers[0].WaferID, "ordered by slot")
}

func TestTrayCreate(t *testing.T) {
	s := newTestStore(t)
	tr := &TrayRecord{TrayID: "inert-1", TrayType: "inert", Capacity: 55}
	require.NoError(t, s.CreateTray(context.Background(), tr))
	assert.NotZero(t, tr.ID)
}

func addLogs(t *testing.T, s *Store, n int, at time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, s.AddProcessLog(ctx, &ProcessLogRecord{
			WaferID:     "W-001",
			RobotID:     "meca",
			ProcessType: "pickup",
			CycleNumber: i,
			CreatedAt:   at.Add(time.Duration(i) * time.Minute),
		}))
	}
}

func TestCleanupArchivesOldLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	old := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	addLogs(t, s, 5, old)
	addLogs(t, s, 3, time.Now().UTC()) // recent, must survive

	res, err := s.Cleanup(ctx, CleanupOptions{
		RetentionDays: 30,
		DeleteBatch:   2, // force multiple batches
		ArchiveDir:    dir,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Archived)
	assert.Equal(t, 5, res.Deleted)

	count, err := s.ProcessLogCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count, "recent logs kept")

	// Archive landed in the month-stamped file as a flat array.
	data, err := os.ReadFile(filepath.Join(dir, "processlog_202603.json"))
	require.NoError(t, err)
	var rows []ProcessLogRecord
	require.NoError(t, json.Unmarshal(data, &rows))
	assert.Len(t, rows, 5)
	assert.Equal(t, "pickup", rows[0].ProcessType)
}

func TestCleanupIdempotentAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	old := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	addLogs(t, s, 2, old)
	_, err := s.Cleanup(ctx, CleanupOptions{RetentionDays: 30, ArchiveDir: dir})
	require.NoError(t, err)

	// Same month, later rows: append must merge, not clobber.
	addLogs(t, s, 2, old.AddDate(0, 0, 5))
	_, err = s.Cleanup(ctx, CleanupOptions{RetentionDays: 30, ArchiveDir: dir})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "processlog_202603.json"))
	require.NoError(t, err)
	var rows []ProcessLogRecord
	require.NoError(t, json.Unmarshal(data, &rows))
	assert.Len(t, rows, 4, "all rows present exactly once")

	ids := make(map[int64]bool)
	for _, r := range rows {
		assert.False(t, ids[r.ID], "no duplicate ids")
		ids[r.ID] = true
	}
}

func TestCleanupMaxCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	addLogs(t, s, 10, time.Now().UTC().Add(-time.Hour))

	// All rows are young, but the cap forces archiving of the overflow.
	res, err := s.Cleanup(ctx, CleanupOptions{
		RetentionDays: 30,
		MaxCount:      4,
		DeleteBatch:   100,
		ArchiveDir:    dir,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Archived, "cap overflow archives everything older than now")
}

func TestCleanupRequiresArchiveDir(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Cleanup(context.Background(), CleanupOptions{})
	require.Error(t, err)
}
