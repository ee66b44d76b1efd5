package audit

// ============================================================================
// 審計日誌檔案實作
// 職責：
// 1. 追加審計記錄到 JSON-lines 檔案（append-only）
// 2. 重新開啟時延續既有的 seq，截掉寫到一半的最後一行
// 3. 提供重放與驗證（checksum + seq 連續性）
// 4. 每次追加都 fsync，確保「先審計、後套用」；寫入失敗時回捲到上一筆
// ============================================================================

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var log = slog.Default()

// FileSink JSON-lines 審計日誌
type FileSink struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	seq          uint64
	size         int64 // 最後一筆完整記錄之後的位移
	syncOnAppend bool
	closed       bool
	now          func() time.Time
}

/*
OpenFile 建立或開啟審計日誌

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描並驗證既有記錄，從最後一個 seq 繼續
- 最後一行寫到一半（沒有換行或無法解析）時截斷到上一筆記錄並記錄警告
- 其他損壞（中間行、checksum、seq 不連續）拒絕開啟（由 `audit verify` 排查）

參數：

	path         - 日誌檔案路徑
	syncOnAppend - 每次追加後是否 fsync
*/
func OpenFile(path string, syncOnAppend bool) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: create directory: %w", err)
		}
	}

	report := Report{ByKind: make(map[Kind]int)}
	valid, torn, err := scanFile(path, report.add)
	switch {
	case err == nil, errors.Is(err, os.ErrNotExist):
	case torn:
		log.Warn("Audit log ends with a torn record, truncating", "path", path, "offset", valid, "error", err)
		if terr := os.Truncate(path, valid); terr != nil {
			return nil, fmt.Errorf("audit: truncate torn record in %s: %w", path, terr)
		}
	default:
		return nil, fmt.Errorf("audit: existing log %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	log.Info("Audit log opened", "path", path, "records", report.Records, "last_seq", report.LastSeq)

	return &FileSink{
		file:         file,
		path:         path,
		seq:          report.LastSeq,
		size:         valid,
		syncOnAppend: syncOnAppend,
		now:          time.Now,
	}, nil
}

// Append 追加一筆審計記錄
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 寫入檔案並（可選）同步到磁碟
//
// 寫入或 fsync 失敗時檔案截回上一筆記錄，seq 不前進，下一次追加沿用同一個 seq。
func (s *FileSink) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("audit: marshal %s payload: %w", entry.Kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	rec := Record{
		Seq:       s.seq + 1,
		Kind:      entry.Kind,
		Cycle:     entry.Cycle,
		Timestamp: s.now().UTC(),
		Payload:   payload,
	}
	rec.Checksum = CalculateChecksum(rec)

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: encode seq=%d: %w", rec.Seq, err)
	}
	line = append(line, '\n')

	if _, err := s.file.Write(line); err != nil {
		s.rollback()
		return fmt.Errorf("audit: write seq=%d: %w", rec.Seq, err)
	}
	if s.syncOnAppend {
		if err := s.file.Sync(); err != nil {
			s.rollback()
			return fmt.Errorf("audit: sync seq=%d: %w", rec.Seq, err)
		}
	}
	s.size += int64(len(line))
	s.seq = rec.Seq
	return nil
}

// rollback 截掉失敗的追加；截斷也失敗時留給下一次 OpenFile 處理
func (s *FileSink) rollback() {
	if err := s.file.Truncate(s.size); err != nil {
		log.Error("Audit rollback failed", "path", s.path, "offset", s.size, "error", err)
	}
}

// LastSeq 取得最後寫入的 seq
func (s *FileSink) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Path 日誌檔案路徑
func (s *FileSink) Path() string {
	return s.path
}

// Close 關閉日誌；關閉後的 Append 回傳 ErrSinkClosed
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("audit: sync on close: %w", err)
	}
	return s.file.Close()
}

// ============================================================================
// 重放與驗證
// ============================================================================

// Replay 依序讀取所有記錄
//
// 行為：
// - 驗證每筆記錄的 checksum
// - 呼叫 handler，遇到錯誤立即停止
func Replay(path string, handler Handler) error {
	_, _, err := scanFile(path, handler)
	return err
}

func scanFile(path string, handler Handler) (int64, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer file.Close()
	return scan(file, handler)
}

// scan 回傳最後一筆有效記錄之後的位移
//
// torn 為 true 表示錯誤出在最後一行，且該行沒有換行或無法解析，
// 也就是追加寫到一半。
func scan(r io.Reader, handler Handler) (valid int64, torn bool, err error) {
	br := bufio.NewReaderSize(r, 64*1024)
	line := 0
	for {
		raw, rerr := br.ReadBytes('\n')
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return valid, false, &CorruptionError{Line: line + 1, Cause: rerr}
		}
		if len(raw) == 0 {
			return valid, false, nil
		}
		line++

		complete := raw[len(raw)-1] == '\n'
		content := bytes.TrimSpace(raw)
		if len(content) == 0 {
			valid += int64(len(raw))
			continue
		}
		if !complete {
			return valid, true, &CorruptionError{Line: line, Cause: io.ErrUnexpectedEOF}
		}

		var rec Record
		if err := json.Unmarshal(content, &rec); err != nil {
			return valid, atEOF(br), &CorruptionError{Line: line, Cause: err}
		}
		if err := VerifyChecksum(rec); err != nil {
			return valid, false, err
		}
		if err := handler(rec); err != nil {
			return valid, false, err
		}
		valid += int64(len(raw))
	}
}

func atEOF(br *bufio.Reader) bool {
	_, err := br.Peek(1)
	return errors.Is(err, io.EOF)
}

// Report 驗證結果
type Report struct {
	Records  int          `json:"records"`
	FirstSeq uint64       `json:"first_seq"`
	LastSeq  uint64       `json:"last_seq"`
	ByKind   map[Kind]int `json:"by_kind"`
}

func (r *Report) add(rec Record) error {
	if r.Records > 0 && rec.Seq != r.LastSeq+1 {
		return fmt.Errorf("%w: seq=%d follows seq=%d", ErrSequenceGap, rec.Seq, r.LastSeq)
	}
	if r.Records == 0 {
		r.FirstSeq = rec.Seq
	}
	r.Records++
	r.LastSeq = rec.Seq
	r.ByKind[rec.Kind]++
	return nil
}

// Verify 驗證整個日誌：JSON 格式、checksum、seq 連續且無重複
//
// 檔案不存在時回傳包裝 os.ErrNotExist 的錯誤與空 Report。
// 寫到一半的最後一行在這裡同樣回報為損壞；下一次 OpenFile 會把它截掉。
func Verify(path string) (Report, error) {
	report := Report{ByKind: make(map[Kind]int)}
	err := Replay(path, report.add)
	return report, err
}
