package wal

import (
	"encoding/json"
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋 Type + Token + Seq + Job 內容；不包含 Timestamp。
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(event.Type))
	h.Write([]byte(event.Token))
	h.Write([]byte(strconv.FormatUint(event.Seq, 10)))
	// BuildJob 只含可序列化欄位，Marshal 不會失敗
	payload, _ := json.Marshal(event.Job)
	h.Write(payload)
	return h.Sum32()
}
