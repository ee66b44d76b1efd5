package statestore

// ============================================================================
// 職責說明：
// 1. 將 OrchestratorState 序列化為 JSON 狀態檔
// 2. 使用原子性寫入（temp file + fsync + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 首次啟動（無檔案）回傳 found=false，由協調器決定初始狀態
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetsync/pkg/types"
)

// SchemaVersion 目前的狀態檔版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedState      = errors.New("statestore: state file is corrupted")
	ErrIncompatibleVersion = errors.New("statestore: schema version is incompatible")
)

// Store 狀態檔管理器
type Store struct {
	path string     // 狀態檔路徑
	mu   sync.Mutex // 保護檔案操作
	now  func() time.Time
}

// New 建立狀態檔管理器
func New(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Save 原子性寫入狀態
//
// 流程：
// 1. 寫入同目錄的臨時檔案並 fsync
// 2. os.Rename 原子性替換
//
// 參數：
//   - state: 協調器狀態
func (s *Store) Save(state types.OrchestratorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := types.SnapshotData{
		State:     state,
		SchemaVer: SchemaVersion,
		SavedAt:   s.now().UTC(),
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statestore: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("statestore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(jsonBytes); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: close temp file: %w", err)
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: rename: %w", err)
	}
	return nil
}

// Load 載入狀態
//
// 返回值：
//   - state: 持久化的狀態
//   - found: 檔案是否存在；首次啟動為 false
//   - error: 損壞（ErrCorruptedState）或版本不相容（ErrIncompatibleVersion）
func (s *Store) Load() (types.OrchestratorState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jsonBytes, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.OrchestratorState{}, false, nil
		}
		return types.OrchestratorState{}, false, fmt.Errorf("statestore: read: %w", err)
	}

	var data types.SnapshotData
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return types.OrchestratorState{}, false, fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}

	if data.SchemaVer != SchemaVersion {
		return types.OrchestratorState{}, false, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	if data.State.UpstreamFingerprints == nil {
		data.State.UpstreamFingerprints = make(map[string]string)
	}
	return data.State, true, nil
}

// Path 狀態檔路徑
func (s *Store) Path() string {
	return s.path
}
