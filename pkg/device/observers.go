package device

import "sync"

// observers is an ordered callback list; invocation follows registration order.
type observers struct {
	mu     sync.Mutex
	nextID uint64
	items  []observer
}

type observer struct {
	id uint64
	fn func(Record)
}

func (o *observers) add(fn func(Record)) func() {
	if fn == nil {
		return func() {}
	}
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.items = append(o.items, observer{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { o.remove(id) })
	}
}

func (o *observers) remove(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, item := range o.items {
		if item.id == id {
			o.items = append(o.items[:i:i], o.items[i+1:]...)
			return
		}
	}
}

// notify calls every observer synchronously. The list is copied first so an
// observer may unregister itself while being called.
func (o *observers) notify(rec Record) {
	o.mu.Lock()
	items := make([]observer, len(o.items))
	copy(items, o.items)
	o.mu.Unlock()
	for _, item := range items {
		item.fn(rec)
	}
}
