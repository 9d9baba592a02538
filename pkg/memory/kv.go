package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// forbiddenKeyChars never appear in KV keys; they would escape the
// file-per-key layout or break on common filesystems.
const forbiddenKeyChars = `/\:*?|`

// KeyError reports an invalid KV key.
type KeyError struct {
	Key    string
	Reason string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("invalid key %q: %s", e.Key, e.Reason)
}

// KVStore is a file-per-key JSON store with a write-through in-memory
// cache refreshed at startup.
type KVStore struct {
	dir string

	mu    sync.Mutex
	cache map[string]any
	dirty map[string]bool
}

func newKVStore(dir string) (*KVStore, error) {
	kv := &KVStore{
		dir:   dir,
		cache: make(map[string]any),
		dirty: make(map[string]bool),
	}
	if err := kv.reload(); err != nil {
		return nil, err
	}
	return kv, nil
}

// reload refreshes the cache from disk.
func (kv *KVStore) reload() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.cache = make(map[string]any)
	kv.dirty = make(map[string]bool)

	entries, err := os.ReadDir(kv.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".json")
		var value any
		if err := readJSON(filepath.Join(kv.dir, e.Name()), &value); err != nil {
			continue
		}
		kv.cache[key] = value
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return &KeyError{Key: key, Reason: "empty"}
	}
	if strings.ContainsAny(key, forbiddenKeyChars) || strings.ContainsAny(key, " ") {
		return &KeyError{Key: key, Reason: "contains forbidden characters"}
	}
	return nil
}

func (kv *KVStore) keyPath(key string) string {
	return filepath.Join(kv.dir, key+".json")
}

// Set validates the key and value, then writes through to disk.
func (kv *KVStore) Set(key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := json.Marshal(value); err != nil {
		return fmt.Errorf("value for %q is not serializable: %w", key, err)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.cache[key] = value
	kv.dirty[key] = true
	if err := writeJSONAtomic(kv.keyPath(key), value); err != nil {
		return err
	}
	delete(kv.dirty, key)
	return nil
}

// Get returns the cached value and whether the key exists.
func (kv *KVStore) Get(key string) (any, bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.cache[key]
	return v, ok
}

// Delete removes the key from cache and disk. Missing keys are not an
// error.
func (kv *KVStore) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	delete(kv.cache, key)
	delete(kv.dirty, key)
	if err := os.Remove(kv.keyPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists reports whether the key is present.
func (kv *KVStore) Exists(key string) bool {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	_, ok := kv.cache[key]
	return ok
}

// ListKeys returns keys with the given prefix (all keys for ""), sorted.
func (kv *KVStore) ListKeys(prefix string) []string {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	var keys []string
	for k := range kv.cache {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// BatchSet writes all pairs or none: every key and value is validated
// before the first disk mutation.
func (kv *KVStore) BatchSet(pairs map[string]any) error {
	for key, value := range pairs {
		if err := validateKey(key); err != nil {
			return err
		}
		if _, err := json.Marshal(value); err != nil {
			return fmt.Errorf("value for %q is not serializable: %w", key, err)
		}
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	for key, value := range pairs {
		kv.cache[key] = value
		kv.dirty[key] = true
	}
	for key, value := range pairs {
		if err := writeJSONAtomic(kv.keyPath(key), value); err != nil {
			return err
		}
		delete(kv.dirty, key)
	}
	return nil
}

// BatchGet returns the present subset of the requested keys.
func (kv *KVStore) BatchGet(keys []string) map[string]any {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	out := make(map[string]any)
	for _, k := range keys {
		if v, ok := kv.cache[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Clear removes every key from cache and disk.
func (kv *KVStore) Clear() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	entries, err := os.ReadDir(kv.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".json") {
			if err := os.Remove(filepath.Join(kv.dir, e.Name())); err != nil {
				return err
			}
		}
	}
	kv.cache = make(map[string]any)
	kv.dirty = make(map[string]bool)
	return nil
}

// StorageSize sums the on-disk bytes of all key files.
func (kv *KVStore) StorageSize() (int64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	entries, err := os.ReadDir(kv.dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.Type().IsRegular() {
			if info, err := e.Info(); err == nil {
				total += info.Size()
			}
		}
	}
	return total, nil
}
