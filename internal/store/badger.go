package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/tdworkflow/fixsession/pkg/fix"
)

// BadgerFactory is the disk-backed store. One badger database holds every
// partition, namespaced by session identifier in the key; the database's own
// directory lock keeps other processes out, and the open-set below keeps a
// second engine in this process out of a live partition.
type BadgerFactory struct {
	db  *badger.DB
	log *zap.Logger

	mu   sync.Mutex
	open map[string]bool
}

// OpenBadger opens (or creates) the store at dir.
func OpenBadger(dir string, logger *zap.Logger) (*BadgerFactory, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // disable internal logging
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store: %w", err)
	}
	return &BadgerFactory{
		db:   db,
		log:  logger.Named("store"),
		open: make(map[string]bool),
	}, nil
}

// Partition opens the session's partition and recovers its counters. If the
// persisted counters lag behind the log (crash between runs), they are
// advanced to one past the highest stored sequence number.
func (f *BadgerFactory) Partition(sid fix.SessionID) (MessageStore, error) {
	key := sid.String()

	f.mu.Lock()
	if f.open[key] {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPartitionBusy, sid)
	}
	f.open[key] = true
	f.mu.Unlock()

	p := &badgerPartition{db: f.db, sid: key, factory: f}
	if err := p.recover(); err != nil {
		f.release(key)
		return nil, err
	}
	return p, nil
}

// Close closes the underlying database.
func (f *BadgerFactory) Close() error { return f.db.Close() }

func (f *BadgerFactory) release(key string) {
	f.mu.Lock()
	delete(f.open, key)
	f.mu.Unlock()
}

type badgerPartition struct {
	db      *badger.DB
	sid     string
	factory *BadgerFactory

	mu    sync.Mutex
	state State
}

func (p *badgerPartition) stateKey() []byte {
	return []byte("s|" + p.sid)
}

func (p *badgerPartition) msgKey(dir Direction, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", p.msgPrefix(dir), seq))
}

func (p *badgerPartition) msgPrefix(dir Direction) string {
	d := "i"
	if dir == Outbound {
		d = "o"
	}
	return fmt.Sprintf("m|%s|%s|", p.sid, d)
}

// recover loads the counter record and reconciles it against the logs.
func (p *badgerPartition) recover() error {
	st := FreshState()
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(p.stateKey())
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &st)
		})
	})
	if err != nil {
		return fmt.Errorf("loading state for %s: %w", p.sid, err)
	}

	for _, dir := range []Direction{Outbound, Inbound} {
		high, err := p.highestSeq(dir)
		if err != nil {
			return err
		}
		next := &st.NextSenderSeq
		if dir == Inbound {
			next = &st.NextTargetSeq
		}
		if high+1 > *next {
			*next = high + 1
		}
	}

	p.state = st
	return nil
}

func (p *badgerPartition) highestSeq(dir Direction) (uint64, error) {
	var high uint64
	prefix := []byte(p.msgPrefix(dir))
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse-seek to the last key under the prefix.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var msg StoredMessage
			if err := keySeq(it.Item().Key(), prefix, &msg.Seq); err != nil {
				return err
			}
			high = msg.Seq
			return nil
		}
		return nil
	})
	return high, err
}

func keySeq(key, prefix []byte, out *uint64) error {
	if !bytes.HasPrefix(key, prefix) {
		return fmt.Errorf("store: key %q outside prefix %q", key, prefix)
	}
	_, err := fmt.Sscanf(string(key[len(prefix):]), "%020d", out)
	return err
}

func (p *badgerPartition) State() (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, nil
}

func (p *badgerPartition) SaveState(st State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	val, err := json.Marshal(st)
	if err != nil {
		return err
	}
	err = p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(p.stateKey(), val)
	})
	if err != nil {
		return fmt.Errorf("saving state for %s: %w", p.sid, err)
	}
	p.state = st
	return nil
}

// Append writes the log entry and the counters in one transaction.
func (p *badgerPartition) Append(dir Direction, msg StoredMessage, st State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgVal, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	stVal, err := json.Marshal(st)
	if err != nil {
		return err
	}
	key := p.msgKey(dir, msg.Seq)
	err = p.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return fmt.Errorf("%w: %s seq %d", ErrDuplicateSequence, dir, msg.Seq)
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Set(key, msgVal); err != nil {
			return err
		}
		return txn.Set(p.stateKey(), stVal)
	})
	if err != nil {
		return err
	}
	p.state = st
	return nil
}

func (p *badgerPartition) Range(dir Direction, from, to uint64, fn func(StoredMessage) error) error {
	if to < from {
		return nil
	}
	prefix := []byte(p.msgPrefix(dir))
	return p.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(p.msgKey(dir, from)); it.ValidForPrefix(prefix); it.Next() {
			var msg StoredMessage
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &msg)
			})
			if err != nil {
				return err
			}
			if msg.Seq > to {
				return nil
			}
			if err := fn(msg); err != nil {
				return err
			}
		}
		return nil
	})
}

// Reset deletes both logs and the counter record, then writes fresh
// counters.
func (p *badgerPartition) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([][]byte, 0, 64)
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte("m|" + p.sid + "|")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	fresh := FreshState()
	val, err := json.Marshal(fresh)
	if err != nil {
		return err
	}
	wb := p.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	if err := wb.Set(p.stateKey(), val); err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("resetting %s: %w", p.sid, err)
	}
	p.state = fresh
	return nil
}

func (p *badgerPartition) Close() error {
	p.factory.release(p.sid)
	return nil
}
