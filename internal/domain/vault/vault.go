package vault

import (
	"fmt"
	"sync"
)

// Vault resolves the secrets an action needs, decrypting through an
// external SecretSource and caching the result in memory, keyed by source
// file, until ClearCache is called.
type Vault struct {
	source SecretSource

	mu    sync.Mutex
	cache map[string]map[string]string
}

// New constructs a Vault over the given SecretSource.
func New(source SecretSource) *Vault {
	return &Vault{source: source, cache: make(map[string]map[string]string)}
}

// InjectForAction resolves the required secret keys for action and returns
// just those keys/values. Actions with no required secrets return an empty
// map and no error.
func (v *Vault) InjectForAction(action string) (map[string]string, error) {
	keys, ok := requiredSecrets[action]
	if !ok || len(keys) == 0 {
		return map[string]string{}, nil
	}

	all, err := v.loadSecrets(secretsFile)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = all[k]
	}
	return out, nil
}

// GetSecret returns a single key from file.
func (v *Vault) GetSecret(file, key string) (string, error) {
	all, err := v.loadSecrets(file)
	if err != nil {
		return "", err
	}
	return all[key], nil
}

// GetAllSecrets returns every key/value pair in file.
func (v *Vault) GetAllSecrets(file string) (map[string]string, error) {
	return v.loadSecrets(file)
}

func (v *Vault) loadSecrets(file string) (map[string]string, error) {
	v.mu.Lock()
	if cached, ok := v.cache[file]; ok {
		v.mu.Unlock()
		return cached, nil
	}
	v.mu.Unlock()

	decrypted, err := v.source.Decrypt(file)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", file, err)
	}

	v.mu.Lock()
	v.cache[file] = decrypted
	v.mu.Unlock()
	return decrypted, nil
}

// ClearCache empties the in-memory decrypted-secret cache.
func (v *Vault) ClearCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[string]map[string]string)
}
