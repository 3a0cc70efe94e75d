package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 以 jobmanager.Journal 的身分追加任務變更（append-only，每行一個 JSON 事件）
// 2. 提供重放功能，在快照之後恢復任務狀態
// 3. 快照完成後壓縮（Compact）已被快照涵蓋的事件
// 4. 可選擇每次追加都 fsync，或批次緩衝後定期寫入
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-exec/internal/jobmanager"
	"github.com/ChuLiYu/beaver-exec/internal/log"
)

const (
	defaultBufferSize    = 256
	defaultFlushInterval = 100 * time.Millisecond
)

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex // 保護並發寫入
	file         *os.File   // WAL 檔案
	writer       *bufio.Writer
	path         string // WAL 檔案路徑
	seq          uint64 // 最後一個事件序號
	syncOnAppend bool   // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 尚未寫入檔案的事件
	bufferSize    int
	flushInterval time.Duration

	clock  clockwork.Clock
	logger *zap.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

var _ jobmanager.Journal = (*WAL)(nil)

// Option WAL 選項
type Option func(*WAL)

// WithSyncOnAppend 每次追加都寫入並 fsync，預設開啟
func WithSyncOnAppend(sync bool) Option {
	return func(w *WAL) { w.syncOnAppend = sync }
}

// WithBufferSize 批次模式下緩衝事件數上限，達到時立即寫入
func WithBufferSize(n int) Option {
	return func(w *WAL) {
		if n > 0 {
			w.bufferSize = n
		}
	}
}

// WithFlushInterval 批次模式下背景寫入的間隔
func WithFlushInterval(d time.Duration) Option {
	return func(w *WAL) {
		if d > 0 {
			w.flushInterval = d
		}
	}
}

// WithClock 指定時間來源（測試用）
func WithClock(clock clockwork.Clock) Option {
	return func(w *WAL) { w.clock = clock }
}

// WithLogger 指定 logger
func WithLogger(logger *zap.Logger) Option {
	return func(w *WAL) { w.logger = logger }
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
  - 如果檔案不存在，建立新檔案，seq 從 0 開始
  - 如果檔案已存在，掃描到最後一個有效事件並從其 seq 繼續
  - 檔尾因寫入中斷而殘缺的事件會被截掉
  - 其他損壞（校驗和錯誤、中段無法解析）回傳錯誤，需要先 RepairWAL
*/
func NewWAL(path string, opts ...Option) (*WAL, error) {
	w := &WAL{
		path:          path,
		syncOnAppend:  true,
		bufferSize:    defaultBufferSize,
		flushInterval: defaultFlushInterval,
		clock:         clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = log.OrGlobal(w.logger, "wal")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("wal: failed to create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	res, err := scanFile(file, nil)
	if err != nil {
		file.Close()
		return nil, err
	}
	if res.torn {
		w.logger.Warn("truncating torn event at end of WAL",
			zap.String("path", path),
			zap.Int64("offset", res.validEnd),
			zap.Uint64("last_seq", res.lastSeq))
	}
	// 截到最後一個有效事件，之後以追加方式寫入
	if err := file.Truncate(res.validEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: failed to truncate: %w", err)
	}
	if _, err := file.Seek(res.validEnd, 0); err != nil {
		file.Close()
		return nil, err
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	w.seq = res.lastSeq
	w.buffer = make([]Event, 0, w.bufferSize)

	if !w.syncOnAppend {
		w.stopCh = make(chan struct{})
		w.doneCh = make(chan struct{})
		go w.flushLoop()
	}
	return w, nil
}

// Record 實作 jobmanager.Journal：追加一筆變更
//
// 同步模式下回傳 nil 代表事件已 fsync 到磁碟；
// 批次模式下事件先進入緩衝，由背景迴圈或緩衝滿時寫入。
func (w *WAL) Record(c jobmanager.Change) error {
	ev, err := NewEvent(c, w.clock.Now().UnixMilli())
	if err != nil {
		return err
	}
	return w.Append(ev)
}

// Append 追加一個已編碼的事件
func (w *WAL) Append(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if ev.Seq <= w.seq {
		return fmt.Errorf("%w: seq %d, last %d", ErrOutOfOrder, ev.Seq, w.seq)
	}

	w.buffer = append(w.buffer, ev)
	if w.syncOnAppend || len(w.buffer) >= w.bufferSize {
		if err := w.flushLocked(); err != nil {
			// 寫入失敗的事件不算數，呼叫者不會提交這筆變更
			w.buffer = w.buffer[:0]
			return err
		}
	}
	w.seq = ev.Seq
	return nil
}

// Replay 重放所有 WAL 事件
//
// 行為：
//   - 從頭讀取 WAL 檔案（先寫入緩衝中的事件）
//   - 驗證每個事件的 checksum 與序號
//   - 呼叫 handler 應用事件，handler 回傳錯誤時立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	_, err := scanPath(w.path, handler)
	return err
}

// Changes 讀出序號大於 after 的所有變更，供 JobManager.Apply 使用
func (w *WAL) Changes(after uint64) ([]jobmanager.Change, error) {
	var changes []jobmanager.Change
	err := w.Replay(func(ev Event) error {
		if ev.Seq <= after {
			return nil
		}
		c, err := ev.Change()
		if err != nil {
			return err
		}
		changes = append(changes, c)
		return nil
	})
	return changes, err
}

// Compact 移除 seq <= upTo 的事件
//
// 快照寫入成功後呼叫，upTo 為快照的 LastSeq。
// 以臨時檔 + fsync + rename 原子性替換，失敗時原檔不變。
func (w *WAL) Compact(upTo uint64) (removed int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return 0, err
	}

	tmpPath := w.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	bw := bufio.NewWriter(tmp)
	enc := json.NewEncoder(bw)
	_, err = scanPath(w.path, func(ev Event) error {
		if ev.Seq <= upTo {
			removed++
			return nil
		}
		return enc.Encode(ev)
	})
	if err != nil {
		cleanup()
		return 0, err
	}
	if removed == 0 {
		cleanup()
		return 0, nil
	}
	if err := bw.Flush(); err != nil {
		cleanup()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("wal: failed to replace log: %w", err)
	}

	// 舊檔描述子指向已被取代的 inode，重新開啟
	w.file.Close()
	file, err := os.OpenFile(w.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		w.closed = true
		return removed, fmt.Errorf("wal: failed to reopen after compaction: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	return removed, nil
}

// Close 寫入剩餘事件並關閉 WAL，關閉後的實例不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	stopCh := w.stopCh
	w.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-w.doneCh
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	flushErr := w.flushLocked()
	if err := w.file.Close(); err != nil && flushErr == nil {
		return err
	}
	return flushErr
}

// GetLastSeq 取得最後一個事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path WAL 檔案路徑
func (w *WAL) Path() string { return w.path }

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 將緩衝的事件寫入並同步到磁碟，呼叫者必須持有 w.mu
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	enc := json.NewEncoder(w.writer)
	for _, ev := range w.buffer {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync failed: %w", err)
	}
	w.buffer = w.buffer[:0]
	return nil
}

// flushLoop 批次模式下定期寫入緩衝
func (w *WAL) flushLoop() {
	defer close(w.doneCh)
	ticker := w.clock.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.Chan():
			w.mu.Lock()
			if err := w.flushLocked(); err != nil {
				w.logger.Error("failed to flush WAL", zap.Error(err))
			}
			w.mu.Unlock()
		}
	}
}
