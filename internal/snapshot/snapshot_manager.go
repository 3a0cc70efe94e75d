package snapshot

// ============================================================================
// 職責說明：
// 1. 將任務表序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + fsync + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 可選擇保留最近 N 份舊快照
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-exec/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

const backupTimeLayout = "20060102T150405.000000000"

// Manager 快照管理器
type Manager struct {
	path    string     // 快照檔案路徑
	backups int        // 保留的舊快照份數，0 表示不保留
	mu      sync.Mutex // 保護檔案操作
}

// Option Manager 選項
type Option func(*Manager)

// WithBackups 每次寫入前把現有快照改名保留，最多保留 n 份
func WithBackups(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.backups = n
		}
	}
}

// NewManager 建立快照管理器實例
func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{path: path}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Write 原子性寫入快照
//
// 流程：
// 1. 寫入同目錄的臨時檔案並 fsync
// 2. 需要備份時，把現有快照改名為 <path>.<timestamp>
// 3. os.Rename 原子性替換
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = types.SnapshotSchemaVersion
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}

	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := writeFileSync(tmpPath, jsonBytes); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if m.backups > 0 {
		if err := m.rotateLocked(); err != nil {
			os.Remove(tmpPath)
			return err
		}
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

func writeFileSync(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// rotateLocked 保留現有快照並清除超出份數的舊備份
func (m *Manager) rotateLocked() error {
	if _, err := os.Stat(m.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat snapshot: %w", err)
	}
	backupPath := m.path + "." + time.Now().Format(backupTimeLayout)
	if err := os.Rename(m.path, backupPath); err != nil {
		return fmt.Errorf("failed to backup old snapshot: %w", err)
	}

	backups, err := m.listBackupsLocked()
	if err != nil {
		return err
	}
	for len(backups) > m.backups {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to prune snapshot backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

// listBackupsLocked 依時間由舊到新列出備份
func (m *Manager) listBackupsLocked() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	backups := matches[:0]
	prefix := m.path + "."
	for _, p := range matches {
		suffix := p[len(prefix):]
		if _, err := time.Parse(backupTimeLayout, suffix); err == nil {
			backups = append(backups, p)
		}
	}
	// 時間格式固定寬度，字典序即時間序
	sort.Strings(backups)
	return backups, nil
}

// Backups 目前保留的舊快照路徑，由舊到新
func (m *Manager) Backups() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listBackupsLocked()
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在時回傳空的 SnapshotData（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.SnapshotData{
				Jobs:      make(map[types.JobID]*types.Job),
				SchemaVer: types.SnapshotSchemaVersion,
			}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != types.SnapshotSchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, types.SnapshotSchemaVersion)
	}

	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}
