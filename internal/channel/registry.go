package channel

import "sync"

// Registry 管理按 ID 归属的通道集合，例如侧边栏中每个会话的通知通道。
type Registry struct {
	mu       sync.Mutex
	channels map[int64]*Channel
	build    func(id int64) *Channel
}

// NewRegistry creates a registry that uses build to create missing channels.
// build should register the message handler before returning.
func NewRegistry(build func(id int64) *Channel) *Registry {
	return &Registry{
		channels: make(map[int64]*Channel),
		build:    build,
	}
}

// Acquire 返回 id 对应的通道，不存在时创建并启动。
func (r *Registry) Acquire(id int64) *Channel {
	r.mu.Lock()
	if ch, ok := r.channels[id]; ok {
		r.mu.Unlock()
		return ch
	}
	ch := r.build(id)
	r.channels[id] = ch
	r.mu.Unlock()

	ch.Start()
	return ch
}

// Get 获取已存在的通道。
func (r *Registry) Get(id int64) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// Release 停止并移除通道，返回是否存在。
func (r *Registry) Release(id int64) bool {
	r.mu.Lock()
	ch, ok := r.channels[id]
	delete(r.channels, id)
	r.mu.Unlock()

	if ok {
		ch.Stop()
	}
	return ok
}

// CloseAll 关闭所有通道。
func (r *Registry) CloseAll() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[int64]*Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Stop()
	}
}

// Len 返回当前持有的通道数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
