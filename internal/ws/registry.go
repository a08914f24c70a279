package ws

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry 记录每个用户当前可实时投递的连接。每个用户至多一条，后注册者覆盖先注册者。
// 所有操作在同一把锁下完成，锁内不回调连接代码。
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Client
}

func NewRegistry() *Registry { return &Registry{conns: make(map[string]*Client)} }

// Register 写入 userID -> c，返回被替换的旧连接（若有）。旧连接不会被关闭。
func (r *Registry) Register(userID string, c *Client) *Client {
	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = c
	r.mu.Unlock()
	if prev != nil && prev != c {
		log.Info().Str("user_id", userID).Msg("ws registration replaced previous connection")
	}
	return prev
}

// Unregister 删除 userID 的映射。expected 非 nil 时只有映射仍指向 expected 才删除，
// 避免旧连接的关闭把新连接注销掉。删除不存在的 key 是 no-op。
func (r *Registry) Unregister(userID string, expected *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[userID]
	if !ok {
		return false
	}
	if expected != nil && cur != expected {
		return false
	}
	delete(r.conns, userID)
	return true
}

func (r *Registry) Lookup(userID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Online 返回当前在线用户数，供健康检查与 REST 接口复用。
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll 关闭全部已注册连接，用于优雅停服。
func (r *Registry) CloseAll() {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.conns))
	for _, c := range r.conns {
		clients = append(clients, c)
	}
	r.mu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
}
