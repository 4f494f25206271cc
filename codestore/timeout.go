package codestore

import (
	"container/heap"
	"sync"
	"time"
)

var (
	_ Store          = &Timeout{}
	_ heap.Interface = &Timeout{}
)

// Timeout is a bundle store with a maximum TTL. Reading a bundle renews
// its TTL, so the artifacts of an in-flight job never expire under it.
type Timeout struct {
	mu sync.Mutex
	Store
	timeout   time.Duration
	bundles   []timeoutBundle
	idToIndex map[string]int
}

type timeoutBundle struct {
	id   string
	time time.Time
}

// NewTimeout creates a timeout bundle store with a maximum TTL per bundle.
func NewTimeout(s Store, timeout time.Duration, checkInterval time.Duration) Store {
	t := &Timeout{
		Store:     s,
		timeout:   timeout,
		bundles:   make([]timeoutBundle, 0),
		idToIndex: make(map[string]int),
	}
	go t.checkTimeoutLoop(checkInterval)
	return t
}

func (t *Timeout) checkTimeoutLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	for {
		t.checkTimeoutAndRemove()
		<-ticker.C
	}
}

func (t *Timeout) checkTimeoutAndRemove() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for len(t.bundles) > 0 && t.bundles[0].time.Add(t.timeout).Before(now) {
		b := t.bundles[0]
		t.Store.Remove(b.id)
		heap.Pop(t)
	}
}

func (t *Timeout) Len() int {
	return len(t.bundles)
}

func (t *Timeout) Less(i, j int) bool {
	return t.bundles[i].time.Before(t.bundles[j].time)
}

func (t *Timeout) Swap(i, j int) {
	t.bundles[i], t.bundles[j] = t.bundles[j], t.bundles[i]
	t.idToIndex[t.bundles[i].id] = i
	t.idToIndex[t.bundles[j].id] = j
}

func (t *Timeout) Push(x any) {
	e := x.(timeoutBundle)
	t.bundles = append(t.bundles, e)
	t.idToIndex[e.id] = len(t.bundles) - 1
}

func (t *Timeout) Pop() any {
	e := t.bundles[len(t.bundles)-1]
	t.bundles = t.bundles[:len(t.bundles)-1]
	delete(t.idToIndex, e.id)
	return e
}

func (t *Timeout) Add(files map[string]string) (string, error) {
	id, err := t.Store.Add(files)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	heap.Push(t, timeoutBundle{id, time.Now()})
	return id, nil
}

func (t *Timeout) Remove(id string) bool {
	success := t.Store.Remove(id)

	t.mu.Lock()
	defer t.mu.Unlock()

	index, ok := t.idToIndex[id]
	if !ok {
		return success
	}
	heap.Remove(t, index)
	return success
}

func (t *Timeout) Get(id string) (map[string]string, error) {
	files, err := t.Store.Get(id)

	t.mu.Lock()
	defer t.mu.Unlock()

	index, ok := t.idToIndex[id]
	if !ok {
		return files, err
	}
	t.bundles[index].time = time.Now()
	heap.Fix(t, index)

	return files, err
}
