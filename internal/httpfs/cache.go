// =============================================================================
// 文件: internal/httpfs/cache.go
// 描述: 文件列表缓存 - 并发请求共享一次目录遍历, 写入后失效
// =============================================================================
package httpfs

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// listCache 文件列表缓存
type listCache struct {
	group singleflight.Group
	ttl   time.Duration

	mu       sync.RWMutex
	files    []string
	loadedAt time.Time
	valid    bool
	gen      uint64 // 每次失效递增, 防止旧遍历结果覆盖
}

func newListCache(ttl time.Duration) *listCache {
	return &listCache{ttl: ttl}
}

// get 返回缓存的列表, 失效或过期时调用 walk 重新加载
func (c *listCache) get(walk func() ([]string, error)) ([]string, error) {
	c.mu.RLock()
	if c.valid && time.Since(c.loadedAt) < c.ttl {
		files := c.files
		c.mu.RUnlock()
		return files, nil
	}
	gen := c.gen
	c.mu.RUnlock()

	// 失效前开始的遍历不与失效后的调用合并
	key := "list:" + strconv.FormatUint(gen, 10)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		files, err := walk()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.gen == gen {
			c.files = files
			c.loadedAt = time.Now()
			c.valid = true
		}
		c.mu.Unlock()

		return files, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// invalidate 使缓存失效
func (c *listCache) invalidate() {
	c.mu.Lock()
	c.valid = false
	c.gen++
	c.mu.Unlock()
}
