package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"relaybot/pkg/logx"
)

// Manager owns the current configuration. Load commits the first one; Watch
// keeps it in step with the file and hands validated reloads to subscribers.
type Manager struct {
	path string
	log  logx.Logger

	current atomic.Pointer[Config]
	sum     atomic.Value // [sha256.Size]byte of the committed file

	subsMu sync.Mutex
	nextID int
	subs   map[int]chan *Config
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: map[int]chan *Config{}}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// Get returns the last committed config, or nil before Load.
func (m *Manager) Get() *Config { return m.current.Load() }

// Parse reads the file, overlays RELAYBOT_* variables and fills defaults.
// Nothing is validated or committed.
func (m *Manager) Parse() (*Config, error) {
	cfg, _, err := m.read()
	return cfg, err
}

// Load is Parse plus Validate; a valid result becomes the current config.
func (m *Manager) Load() (*Config, error) {
	cfg, sum, err := m.read()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.commit(cfg, sum)
	return cfg, nil
}

func (m *Manager) read() (*Config, [sha256.Size]byte, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	sum := sha256.Sum256(raw)
	cfg, err := Decode(m.path, raw)
	if err != nil {
		return nil, sum, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, sum, err
	}
	ApplyDefaults(cfg)
	return cfg, sum, nil
}

func (m *Manager) commit(cfg *Config, sum [sha256.Size]byte) {
	m.current.Store(cfg)
	m.sum.Store(sum)
}

func (m *Manager) sameAsCommitted(sum [sha256.Size]byte) bool {
	prev, ok := m.sum.Load().([sha256.Size]byte)
	return ok && prev == sum
}

// Decode strictly decodes data. The format follows the extension of name:
// .yaml/.yml, .toml, anything else is JSON. Unknown keys are errors.
func Decode(name string, data []byte) (*Config, error) {
	jb, format, err := coerceToJSONBytes(name, data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s config: trailing data after document", format)
	}
	return &cfg, nil
}

// Subscribe registers for validated reloads. Only the newest pending config
// is kept per subscriber, so a slow reader skips intermediate versions.
// The returned func unsubscribes and closes the channel.
func (m *Manager) Subscribe() (<-chan *Config, func()) {
	ch := make(chan *Config, 1)
	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- cfg
	}
}

// reload is the debounced reaction to a file event.
func (m *Manager) reload() {
	cfg, sum, err := m.read()
	switch {
	case err != nil:
		m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
		return
	case m.sameAsCommitted(sum):
		m.log.Debug("config file touched but unchanged", logx.String("path", m.path))
		return
	}
	if err := Validate(cfg); err != nil {
		m.log.Warn("config rejected; keeping current", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.commit(cfg, sum)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("sha256", fmt.Sprintf("%x", sum[:6])))
}

// Watch follows the file until ctx is done; see watcher.
func (m *Manager) Watch(ctx context.Context) error {
	return newWatcher(m).run(ctx)
}
