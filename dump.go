// Diagnostic dump.
//
// Dump renders the store's vital signs — geometry, generation, allocator
// and cache state, counters — as indented JSON. It exists for operators
// and bug reports, not for programs: nothing here is part of the on-disk
// format, and fields may change between versions.
package nros

import (
	"encoding/hex"

	json "github.com/goccy/go-json"
)

type dumpInfo struct {
	UID         string `json:"uid"`
	BlockSize   int    `json:"block_size"`
	RecordSize  int    `json:"record_size"`
	Compression int    `json:"compression"`
	Cipher      int    `json:"cipher"`
	Mirrors     int    `json:"mirrors"`
	Generation  uint64 `json:"generation"`

	ObjectTableLen   uint64 `json:"object_table_len"`
	ObjectTableDepth uint8  `json:"object_table_depth"`

	FreeBlocks   uint64 `json:"free_blocks"`
	TotalBlocks  uint64 `json:"total_blocks"`
	AllocLogSize uint64 `json:"alloc_log_bytes"`

	Stats Stats `json:"stats"`
}

// Dump returns a JSON snapshot of the store's state.
func (s *Store) Dump() ([]byte, error) {
	if err := s.blockOp(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()

	info := dumpInfo{
		UID:              hex.EncodeToString(s.hdr.UID[:]),
		BlockSize:        s.cfg.BlockSize,
		RecordSize:       s.cfg.RecordSize,
		Compression:      int(s.hdr.Compression),
		Cipher:           int(s.hdr.Cipher),
		Mirrors:          len(s.devs.chains),
		Generation:       s.hdr.Generation,
		ObjectTableLen:   s.otLen,
		ObjectTableDepth: s.otDepth,
		FreeBlocks:       s.alloc.freeBlocks,
		TotalBlocks:      s.devs.total,
		AllocLogSize:     s.alloc.diskLogBytes,
		Stats:            s.Stats(),
	}
	return json.MarshalIndent(info, "", "  ")
}
