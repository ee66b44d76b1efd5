package statestore

// ============================================================================
// 狀態檔測試
// 職責：驗證原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/fleetsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() types.OrchestratorState {
	return types.OrchestratorState{
		LastSyncTime:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SyncCount:            42,
		ConflictsResolved:    7,
		ErrorsCount:          1,
		CostAccumulated:      12.25,
		Status:               types.StatusPaused,
		HealthStatus:         types.HealthDegraded,
		ConsecutiveErrors:    1,
		DownstreamWatermark:  time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC),
		PausedUntil:          time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
		PauseReason:          "health_critical",
		BudgetDay:            "2026-03-01",
		BudgetCumulative:     3.5,
		UpstreamFingerprints: map[string]string{"w1": "abc"},
		LastCycle:            &types.CycleSummary{CycleNumber: 42, RunID: "run-42"},
	}
}

// TestSaveAndLoad 測試寫入與載入
func TestSaveAndLoad(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "state", "state.json"))

	original := sampleState()
	require.NoError(t, store.Save(original))

	loaded, found, err := store.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, original, loaded)
}

// TestAtomicWriteLeavesNoTempFiles 測試寫入後不殘留臨時檔
func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "state.json"))

	for i := 0; i < 3; i++ {
		state := sampleState()
		state.SyncCount = int64(i)
		require.NoError(t, store.Save(state))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())

	loaded, _, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.SyncCount)
}

// TestFirstBoot 測試首次啟動
func TestFirstBoot(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "state.json"))

	loaded, found, err := store.Load()
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, types.OrchestratorState{}, loaded)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := New(path)

	jsonBytes, err := json.Marshal(types.SnapshotData{SchemaVer: 2})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, jsonBytes, 0o644))

	_, _, err = store.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的狀態檔
func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := New(path)

	require.NoError(t, os.WriteFile(path, []byte(`{"state": {"sync_count": 4`), 0o644))

	_, _, err := store.Load()
	assert.ErrorIs(t, err, ErrCorruptedState)
}

// TestLoadFillsFingerprintMap 測試舊檔案沒有指紋欄位時仍可使用
func TestLoadFillsFingerprintMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := New(path)
	require.NoError(t, os.WriteFile(path, []byte(`{"state": {"status": "running"}, "schema_ver": 1}`), 0o644))

	loaded, found, err := store.Load()
	require.NoError(t, err)
	assert.True(t, found)
	assert.NotNil(t, loaded.UpstreamFingerprints)
	assert.Equal(t, types.StatusRunning, loaded.Status)
}

// TestWriteFailure 測試寫入失敗（唯讀目錄）
func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0o555))
	defer os.Chmod(readOnlyDir, 0o755)

	store := New(filepath.Join(readOnlyDir, "state.json"))
	assert.Error(t, store.Save(sampleState()))
}

// TestConcurrentSaves 測試並發寫入
func TestConcurrentSaves(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "state.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			state := sampleState()
			state.SyncCount = int64(index)
			assert.NoError(t, store.Save(state))
		}(i)
	}
	wg.Wait()

	loaded, found, err := store.Load()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "health_critical", loaded.PauseReason)
}

// BenchmarkSave 測試寫入效能
func BenchmarkSave(b *testing.B) {
	store := New(filepath.Join(b.TempDir(), "state.json"))
	state := sampleState()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Save(state)
	}
}
