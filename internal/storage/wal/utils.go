package wal

// ============================================================================
// WAL 工具函式
// 職責：掃描、驗證、修復與輸出 WAL 檔案
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// scanResult 一次完整掃描的結果
type scanResult struct {
	lastSeq  uint64
	events   int
	validEnd int64 // 最後一個完整有效事件之後的位元組位置
	torn     bool  // 檔尾有一行沒有換行符的殘缺事件
}

// scanFile 逐行讀取事件並驗證校驗和與序號遞增
//
// 檔尾缺少換行符的殘缺行視為寫入中斷，回報 torn 而不是錯誤。
// 其他解析失敗回傳 *CorruptionError，校驗和不符回傳 *ChecksumError。
func scanFile(r io.Reader, fn func(ev Event) error) (scanResult, error) {
	var res scanResult
	br := bufio.NewReader(r)
	var offset int64

	for {
		line, err := br.ReadBytes('\n')
		if len(line) == 0 && err == io.EOF {
			return res, nil
		}
		if err != nil && err != io.EOF {
			return res, fmt.Errorf("wal: read failed at offset %d: %w", offset, err)
		}
		complete := err == nil
		start := offset
		offset += int64(len(line))

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			if complete {
				res.validEnd = offset
				continue
			}
			return res, nil
		}

		var ev Event
		if derr := json.Unmarshal(trimmed, &ev); derr != nil {
			if !complete {
				res.torn = true
				return res, nil
			}
			return res, &CorruptionError{Seq: res.lastSeq, Offset: start, Cause: derr}
		}
		if !complete {
			// 內容完整但換行符未寫入，同樣視為中斷
			res.torn = true
			return res, nil
		}
		if cerr := VerifyChecksum(ev); cerr != nil {
			return res, cerr
		}
		if ev.Seq <= res.lastSeq {
			return res, &CorruptionError{
				Seq:    res.lastSeq,
				Offset: start,
				Cause:  fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, ev.Seq, res.lastSeq),
			}
		}
		if fn != nil {
			if herr := fn(ev); herr != nil {
				return res, herr
			}
		}
		res.lastSeq = ev.Seq
		res.events++
		res.validEnd = offset
	}
}

func scanPath(path string, fn func(ev Event) error) (scanResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return scanResult{}, err
	}
	defer f.Close()
	return scanFile(f, fn)
}

// ============================================================================
// 檔案操作輔助
// ============================================================================

// GetLastEvent 從 WAL 檔案讀取最後一個有效事件
//
// 檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	_, err := scanPath(path, func(ev Event) error {
		e := ev
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的有效事件總數
func CountEvents(path string) (int, error) {
	res, err := scanPath(path, nil)
	return res.events, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
//   - 所有事件的 JSON 格式正確
//   - 所有事件的校驗和正確
//   - seq 從第一個事件起連續且無重複
//   - 檔尾沒有殘缺事件
func ValidateWAL(path string) error {
	var prev uint64
	res, err := scanPath(path, func(ev Event) error {
		if prev != 0 && ev.Seq != prev+1 {
			return &CorruptionError{Seq: prev, Offset: -1, Cause: fmt.Errorf("gap between seq %d and %d", prev, ev.Seq)}
		}
		prev = ev.Seq
		return nil
	})
	if err != nil {
		return err
	}
	if res.torn {
		return &CorruptionError{Seq: res.lastSeq, Offset: res.validEnd, Cause: errors.New("torn event at end of file")}
	}
	return nil
}

// ============================================================================
// WAL 修復工具
// ============================================================================

// RepairWAL 將 srcPath 中第一個損壞點之前的事件寫入 dstPath
//
// 損壞點之後的事件無法確認順序，一律捨棄；序號不重新編號，
// 快照記錄的 LastSeq 在修復後仍然有效。
// 回傳保留的事件數。
func RepairWAL(srcPath, dstPath string) (int, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	res, scanErr := scanFile(src, nil)
	var cerr *ChecksumError
	var corr *CorruptionError
	if scanErr != nil && !errors.As(scanErr, &cerr) && !errors.As(scanErr, &corr) {
		return 0, scanErr
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	tmpPath := dstPath + ".tmp"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	if _, err := io.CopyN(dst, src, res.validEnd); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("wal: failed to copy valid events: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return 0, err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	return res.events, nil
}

// ============================================================================
// 除錯與診斷工具
// ============================================================================

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] ENQUEUE job-001 at 2024-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	res, err := scanPath(path, func(ev Event) error {
		var job struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(ev.Job, &job)
		_, werr := fmt.Fprintf(w, "[Seq:%d] %s %s %s at %s (checksum:0x%08x)\n",
			ev.Seq, ev.Type, ev.JobID, job.Status,
			time.UnixMilli(ev.Timestamp).UTC().Format(time.RFC3339), ev.Checksum)
		return werr
	})
	if err != nil {
		return err
	}
	if res.torn {
		_, err = fmt.Fprintf(w, "[torn event at offset %d]\n", res.validEnd)
	}
	return err
}

// ============================================================================
// 統計與分析
// ============================================================================

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents int               // 總事件數
	EventTypes  map[EventType]int // 各類型事件計數
	FirstSeq    uint64            // 第一個事件的 seq
	LastSeq     uint64            // 最後一個事件的 seq
	TimeRange   [2]int64          // 時間範圍 [最早, 最晚]
	Torn        bool              // 檔尾有殘缺事件
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	res, err := scanPath(path, func(ev Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = ev.Seq
			stats.TimeRange[0] = ev.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[ev.Type]++
		stats.LastSeq = ev.Seq
		if ev.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = ev.Timestamp
		}
		if ev.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = ev.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.Torn = res.torn
	return stats, nil
}
