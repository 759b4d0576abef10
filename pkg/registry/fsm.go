package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// ErrCASMismatch is returned by CompareAndSwap when the key's current
// value did not match the caller's expected value at apply time.
var ErrCASMismatch = errors.New("registry: compare-and-swap mismatch")

// Command represents a state change operation in the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// setCommandData is the payload for a "set" command.
type setCommandData struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// deleteCommandData is the payload for a "delete" command.
type deleteCommandData struct {
	Key string `json:"key"`
}

// casCommandData is the payload for a "cas" command. A nil Expected means
// key must be absent for the swap to take effect.
type casCommandData struct {
	Key      string `json:"key"`
	Expected []byte `json:"expected"`
	Value    []byte `json:"value"`
}

// registryFSM implements the Raft FSM for the config registry: a flat
// slash-path key/value tree.
type registryFSM struct {
	mu    sync.RWMutex
	store *kvStore
}

func newRegistryFSM(store *kvStore) *registryFSM {
	return &registryFSM{store: store}
}

func (f *registryFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "set":
		var data setCommandData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return f.store.set(data.Key, data.Value)

	case "delete":
		var data deleteCommandData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		return f.store.delete(data.Key)

	case "cas":
		var data casCommandData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return err
		}
		current, found, err := f.store.get(data.Key)
		if err != nil {
			return err
		}
		if data.Expected == nil {
			if found {
				return ErrCASMismatch
			}
		} else if !found || !bytes.Equal(current, data.Expected) {
			return ErrCASMismatch
		}
		return f.store.set(data.Key, data.Value)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

func (f *registryFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := f.store.list("")
	if err != nil {
		return nil, fmt.Errorf("failed to list registry entries: %w", err)
	}

	return &registrySnapshot{Entries: entries}, nil
}

func (f *registryFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot registrySnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for key, value := range snapshot.Entries {
		if err := f.store.set(key, value); err != nil {
			return fmt.Errorf("failed to restore key %q: %w", key, err)
		}
	}

	return nil
}

// registrySnapshot is a point-in-time copy of the entire key/value tree.
type registrySnapshot struct {
	Entries map[string][]byte
}

func (s *registrySnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

func (s *registrySnapshot) Release() {}
