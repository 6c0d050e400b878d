package providers

import (
	"os"
	"strings"
	"sync"
)

// Credentials looks up the secret a provider authenticates with.
type Credentials interface {
	Lookup(provider string) (string, bool)
}

// StaticCredentials holds explicit keys and falls back to environment variables.
type StaticCredentials struct {
	mu   sync.RWMutex
	keys map[string]string
	env  map[string]string
}

var _ Credentials = (*StaticCredentials)(nil)

func NewStaticCredentials(keys map[string]string) *StaticCredentials {
	ret := &StaticCredentials{
		keys: map[string]string{},
		env:  map[string]string{},
	}
	for k, v := range keys {
		ret.keys[k] = v
	}
	return ret
}

func (c *StaticCredentials) Set(provider, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[provider] = key
}

// BindEnv makes provider read its key from the environment variable name.
func (c *StaticCredentials) BindEnv(provider, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.env[provider] = name
}

func (c *StaticCredentials) Lookup(provider string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v := strings.TrimSpace(c.keys[provider]); v != "" {
		return v, true
	}
	// viper lowercases map keys read from config files
	if v := strings.TrimSpace(c.keys[strings.ToLower(provider)]); v != "" {
		return v, true
	}
	if name, ok := c.env[provider]; ok {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v, true
		}
	}
	return "", false
}
