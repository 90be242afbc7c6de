package dns

import (
	"time"

	"github.com/miekg/dns"
	gocache "github.com/patrickmn/go-cache"
)

// DNSCache 缓存DNS响应，过期由go-cache负责
type DNSCache struct {
	cache *gocache.Cache
}

// NewDNSCache 创建新的DNS缓存，ttl<=0时不缓存
func NewDNSCache(ttl time.Duration) *DNSCache {
	if ttl <= 0 {
		return &DNSCache{}
	}
	return &DNSCache{cache: gocache.New(ttl, 2*ttl)}
}

// Get 从缓存获取DNS响应的副本
func (c *DNSCache) Get(key string) *dns.Msg {
	if c.cache == nil {
		return nil
	}
	value, found := c.cache.Get(key)
	if !found {
		return nil
	}
	msg, ok := value.(*dns.Msg)
	if !ok {
		return nil
	}
	return msg.Copy()
}

// Set 设置缓存记录
func (c *DNSCache) Set(key string, msg *dns.Msg) {
	if c.cache == nil || msg == nil {
		return
	}
	c.cache.Set(key, msg.Copy(), gocache.DefaultExpiration)
}

// DeleteParticipant 删除某个参与者所有类型的缓存
func (c *DNSCache) DeleteParticipant(participantID string) {
	if c.cache == nil {
		return
	}
	for _, qtype := range cachedTypes {
		c.cache.Delete(GetCacheKey(participantID, qtype))
	}
}

// Flush 清空缓存
func (c *DNSCache) Flush() {
	if c.cache != nil {
		c.cache.Flush()
	}
}

// cachedTypes 可能被缓存的查询类型
var cachedTypes = []uint16{dns.TypeTXT, dns.TypeANY}

// GetCacheKey 生成缓存键，参与者ID区分大小写，zone部分不参与
func GetCacheKey(participantID string, qtype uint16) string {
	return participantID + "-" + dns.TypeToString[qtype]
}
