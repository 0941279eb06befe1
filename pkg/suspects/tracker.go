// Package suspects 维护被混币协议资助的可疑地址集合
package suspects

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCapacity 默认可疑地址容量
const DefaultCapacity = 1000

// Tracker 可疑地址集合的能力接口
// 资金检测器写入，合约创建监听器读取
type Tracker interface {
	Contains(addr common.Address) bool
	Insert(addr common.Address)
	Len() int
}

// Peeker 不影响最近使用顺序的只读查询，供状态接口使用
type Peeker interface {
	Peek(addr common.Address) bool
	Keys() []string
}

// Key 返回地址的规范小写十六进制形式
func Key(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// LRU 有界的最近最少使用集合，不带锁
// 查询同样会刷新最近使用顺序，因此并发使用必须经过 WithLock
type LRU struct {
	cache *simplelru.LRU[string, struct{}]
}

// NewLRU 创建容量为 capacity 的 LRU 集合
func NewLRU(capacity int) (*LRU, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("suspect tracker capacity must be positive, got %d", capacity)
	}
	cache, err := simplelru.NewLRU[string, struct{}](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	return &LRU{cache: cache}, nil
}

// Contains 判断地址是否在集合中，命中时刷新其最近使用顺序
func (l *LRU) Contains(addr common.Address) bool {
	_, ok := l.cache.Get(Key(addr))
	return ok
}

// Insert 插入地址（幂等），超出容量时淘汰最久未使用的地址
func (l *LRU) Insert(addr common.Address) {
	l.cache.Add(Key(addr), struct{}{})
}

// Len 当前地址数量
func (l *LRU) Len() int {
	return l.cache.Len()
}

// Peek 判断地址是否在集合中，不刷新最近使用顺序
func (l *LRU) Peek(addr common.Address) bool {
	return l.cache.Contains(Key(addr))
}

// Keys 按从旧到新的顺序返回地址，不影响最近使用顺序
func (l *LRU) Keys() []string {
	return l.cache.Keys()
}

// Locked 用单个互斥锁包装任意 Tracker
type Locked struct {
	mu    sync.Mutex
	inner Tracker
}

// WithLock 返回加锁的 Tracker
func WithLock(inner Tracker) *Locked {
	return &Locked{inner: inner}
}

// NewSynchronized 创建加锁的 LRU 集合
func NewSynchronized(capacity int) (*Locked, error) {
	lru, err := NewLRU(capacity)
	if err != nil {
		return nil, err
	}
	return WithLock(lru), nil
}

func (l *Locked) Contains(addr common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Contains(addr)
}

func (l *Locked) Insert(addr common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inner.Insert(addr)
}

func (l *Locked) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Len()
}

// Peek 内部集合不支持 Peek 时退化为 Contains
func (l *Locked) Peek(addr common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.inner.(Peeker); ok {
		return p.Peek(addr)
	}
	return l.inner.Contains(addr)
}

func (l *Locked) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.inner.(Peeker); ok {
		return p.Keys()
	}
	return nil
}
