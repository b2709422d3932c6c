package signal

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
)

// MemoryChannel is an in-process Channel for tests and single-node
// deployments. Callbacks run synchronously on the writer's goroutine,
// which keeps delivery order identical to publication order.
type MemoryChannel struct {
	mu        sync.Mutex
	values    map[string][]byte
	lists     map[string][][]byte
	nextSubID int
	valueSubs map[string]map[int]ValueFunc
	childSubs map[string]map[int]ChildFunc
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		values:    make(map[string][]byte),
		lists:     make(map[string][][]byte),
		valueSubs: make(map[string]map[int]ValueFunc),
		childSubs: make(map[string]map[int]ChildFunc),
	}
}

func (c *MemoryChannel) Write(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.values[path] = data
	subs := make([]ValueFunc, 0, len(c.valueSubs[path]))
	for _, fn := range c.valueSubs[path] {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(data)
	}
	return nil
}

func (c *MemoryChannel) Read(ctx context.Context, path string, out any) (bool, error) {
	c.mu.Lock()
	data, ok := c.values[path]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (c *MemoryChannel) Append(ctx context.Context, path string, value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.lists[path] = append(c.lists[path], data)
	key := strconv.Itoa(len(c.lists[path]) - 1)
	subs := make([]ChildFunc, 0, len(c.childSubs[path]))
	for _, fn := range c.childSubs[path] {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(key, data)
	}
	return key, nil
}

func (c *MemoryChannel) SubscribeValue(ctx context.Context, path string, fn ValueFunc) (Unsubscribe, error) {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	if c.valueSubs[path] == nil {
		c.valueSubs[path] = make(map[int]ValueFunc)
	}
	c.valueSubs[path][id] = fn
	current, ok := c.values[path]
	c.mu.Unlock()

	if ok {
		fn(current)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.valueSubs[path], id)
			c.mu.Unlock()
		})
	}, nil
}

func (c *MemoryChannel) SubscribeChildAdded(ctx context.Context, path string, fn ChildFunc) (Unsubscribe, error) {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	if c.childSubs[path] == nil {
		c.childSubs[path] = make(map[int]ChildFunc)
	}
	c.childSubs[path][id] = fn
	existing := make([][]byte, len(c.lists[path]))
	copy(existing, c.lists[path])
	c.mu.Unlock()

	for i, item := range existing {
		fn(strconv.Itoa(i), item)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.childSubs[path], id)
			c.mu.Unlock()
		})
	}, nil
}
