package audit

// ============================================================================
// 校驗和計算
// 職責：計算與驗證審計記錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum 計算記錄的 CRC32 校驗和
//
// 涵蓋範圍：Seq、Kind、Cycle、Timestamp（UnixNano）與 Payload 原始位元組。
// 數值欄位以固定長度大端序寫入，字串欄位以長度前綴寫入，避免欄位邊界混淆。
func CalculateChecksum(rec Record) uint32 {
	h := crc32.NewIEEE()
	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], rec.Seq)
	h.Write(buf[:])

	binary.BigEndian.PutUint64(buf[:], uint64(len(rec.Kind)))
	h.Write(buf[:])
	h.Write([]byte(rec.Kind))

	binary.BigEndian.PutUint64(buf[:], uint64(rec.Cycle))
	h.Write(buf[:])

	binary.BigEndian.PutUint64(buf[:], uint64(rec.Timestamp.UnixNano()))
	h.Write(buf[:])

	h.Write(rec.Payload)
	return h.Sum32()
}

// VerifyChecksum 驗證記錄的校驗和
//
// 回傳：
//
//	nil，或包裝 ErrChecksumMismatch 的 *ChecksumError
func VerifyChecksum(rec Record) error {
	expected := CalculateChecksum(rec)
	if rec.Checksum != expected {
		return &ChecksumError{Seq: rec.Seq, Expected: expected, Actual: rec.Checksum}
	}
	return nil
}
