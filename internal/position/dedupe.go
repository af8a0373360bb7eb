package position

import (
	"hash/fnv"
	"sync"
)

// fillSet 分片的成交 ID 集合。
// 成交去重不能误判（误判会少记持仓），因此用确定性 map 而不是概率结构。
type fillSet struct {
	shards []fillShard
}

type fillShard struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func newFillSet(shardCount int) *fillSet {
	if shardCount <= 0 {
		shardCount = 64
	}
	shards := make([]fillShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]struct{})
	}
	return &fillSet{shards: shards}
}

// add 首次出现返回 true
func (s *fillSet) add(id string) bool {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[id]; ok {
		return false
	}
	sh.m[id] = struct{}{}
	return true
}

func (s *fillSet) size() int {
	n := 0
	for i := range s.shards {
		s.shards[i].mu.Lock()
		n += len(s.shards[i].m)
		s.shards[i].mu.Unlock()
	}
	return n
}

func (s *fillSet) shard(id string) *fillShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.shards[h.Sum32()%uint32(len(s.shards))]
}
