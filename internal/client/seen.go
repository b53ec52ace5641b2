// =============================================================================
// 文件: internal/client/seen.go
// 描述: 已见序号集合 - 布隆过滤器快速判新, 精确集合消除误报
// =============================================================================
package client

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	seenExpectedItems = 64
	seenFalsePositive = 0.001
)

// SeenSet 会话内已处理回复的序号集合
type SeenSet struct {
	filter *bloom.BloomFilter
	exact  map[uint64]struct{}
}

// NewSeenSet 创建空集合
func NewSeenSet() *SeenSet {
	return &SeenSet{
		filter: bloom.NewWithEstimates(seenExpectedItems, seenFalsePositive),
		exact:  make(map[uint64]struct{}),
	}
}

// Add 记录序号
func (s *SeenSet) Add(seq uint64) {
	s.filter.Add(seqKey(seq))
	s.exact[seq] = struct{}{}
}

// Contains 序号是否已记录, 结果精确
func (s *SeenSet) Contains(seq uint64) bool {
	if !s.filter.Test(seqKey(seq)) {
		return false
	}
	_, ok := s.exact[seq]
	return ok
}

func (s *SeenSet) Len() int {
	return len(s.exact)
}

func seqKey(seq uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return key[:]
}
