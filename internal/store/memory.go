package store

import (
	"fmt"
	"sync"

	"github.com/tidwall/btree"

	"github.com/tdworkflow/fixsession/pkg/fix"
)

// MemoryFactory keeps partitions in process memory, ordered by sequence
// number in a btree. Partition contents survive a partition Close and can be
// reopened, which mirrors how the durable backend behaves across engine
// restarts; they are lost when the process exits.
type MemoryFactory struct {
	mu         sync.Mutex
	partitions map[string]*memoryPartition
}

// NewMemoryFactory returns an empty in-memory store.
func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{partitions: make(map[string]*memoryPartition)}
}

// Partition opens the session's partition, failing with ErrPartitionBusy
// while another engine holds it.
func (f *MemoryFactory) Partition(sid fix.SessionID) (MessageStore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.partitions[sid.String()]
	if !ok {
		p = &memoryPartition{state: FreshState(), factory: f, key: sid.String()}
		f.partitions[sid.String()] = p
	}
	if p.open {
		return nil, fmt.Errorf("%w: %s", ErrPartitionBusy, sid)
	}
	p.open = true
	return p, nil
}

// Close is a no-op for the in-memory backend.
func (f *MemoryFactory) Close() error { return nil }

func (f *MemoryFactory) release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.partitions[key]; ok {
		p.open = false
	}
}

type memoryPartition struct {
	mu       sync.RWMutex
	outbound btree.Map[uint64, StoredMessage]
	inbound  btree.Map[uint64, StoredMessage]
	state    State
	open     bool
	factory  *MemoryFactory
	key      string
}

func (p *memoryPartition) log(dir Direction) *btree.Map[uint64, StoredMessage] {
	if dir == Outbound {
		return &p.outbound
	}
	return &p.inbound
}

func (p *memoryPartition) State() (State, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state, nil
}

func (p *memoryPartition) SaveState(st State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = st
	return nil
}

func (p *memoryPartition) Append(dir Direction, msg StoredMessage, st State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tree := p.log(dir)
	if _, exists := tree.Get(msg.Seq); exists {
		return fmt.Errorf("%w: %s seq %d", ErrDuplicateSequence, dir, msg.Seq)
	}
	raw := make([]byte, len(msg.Raw))
	copy(raw, msg.Raw)
	msg.Raw = raw
	tree.Set(msg.Seq, msg)
	p.state = st
	return nil
}

func (p *memoryPartition) Range(dir Direction, from, to uint64, fn func(StoredMessage) error) error {
	// Collect under the lock, deliver outside it so fn may call back into
	// the store.
	p.mu.RLock()
	entries := make([]StoredMessage, 0, 16)
	p.log(dir).Ascend(from, func(seq uint64, msg StoredMessage) bool {
		if seq > to {
			return false
		}
		entries = append(entries, msg)
		return true
	})
	p.mu.RUnlock()

	for _, msg := range entries {
		if err := fn(msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *memoryPartition) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outbound.Clear()
	p.inbound.Clear()
	p.state = FreshState()
	return nil
}

func (p *memoryPartition) Close() error {
	p.factory.release(p.key)
	return nil
}
