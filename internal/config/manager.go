package config

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

type committed struct {
	cfg *Config
	fp  uint64
}

// ConfigManager holds the committed config and hands every reload to its
// subscribers. Readers never block writers.
type ConfigManager struct {
	path string
	cur  atomic.Pointer[committed]

	mu     sync.Mutex
	nextID int
	subs   map[int]chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, subs: map[int]chan *Config{}, log: logx.Nop()}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook run on every reload before commit.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse decodes the file strictly. Nothing is committed.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg := new(Config)
	if err := decodeStrict(m.path, b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.cur.Store(&committed{cfg: cfg, fp: fingerprint(cfg)})
}

func (m *ConfigManager) Get() *Config {
	if c := m.cur.Load(); c != nil {
		return c.cfg
	}
	return nil
}

// sameAsCommitted reports whether cfg would change nothing.
func (m *ConfigManager) sameAsCommitted(cfg *Config) bool {
	c := m.cur.Load()
	fp := fingerprint(cfg)
	return c != nil && fp != 0 && fp == c.fp
}

// Subscribe returns a channel of committed reloads and its cancel func.
// A slow subscriber only ever misses stale configs.
func (m *ConfigManager) Subscribe(buffer int) (<-chan *Config, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		offerLatest(ch, cfg)
	}
}

// offerLatest never blocks: a full channel drops its oldest entry first.
func offerLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
