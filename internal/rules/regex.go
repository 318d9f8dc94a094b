package rules

import (
	"regexp"
	"sync"
)

const regexCacheCapacity = 256

var regexCache = newRegexCache(regexCacheCapacity)

type regexEntry struct {
	re  *regexp.Regexp
	err error
}

// compiledRegexCache 缓存正则编译结果（包括编译失败），超过容量时整体清空
type compiledRegexCache struct {
	mu       sync.RWMutex
	capacity int
	entries  map[string]regexEntry
}

func newRegexCache(capacity int) *compiledRegexCache {
	return &compiledRegexCache{
		capacity: capacity,
		entries:  make(map[string]regexEntry),
	}
}

// Get 获取已编译的正则，无法编译时返回 InvalidRegexError
func (c *compiledRegexCache) Get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	e, ok := c.entries[pattern]
	c.mu.RUnlock()
	if ok {
		return e.re, e.err
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		e = regexEntry{err: &InvalidRegexError{Pattern: pattern, Err: err}}
	} else {
		e = regexEntry{re: re}
	}

	c.mu.Lock()
	if len(c.entries) >= c.capacity {
		c.entries = make(map[string]regexEntry)
	}
	c.entries[pattern] = e
	c.mu.Unlock()
	return e.re, e.err
}

func (c *compiledRegexCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
