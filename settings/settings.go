// clipforge/settings/settings.go
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	pebble "github.com/cockroachdb/pebble"
)

// Keys for the persisted settings store.
const (
	keyServiceURL    = "service_url"
	keyStoragePath   = "storage_path"
	keyDebug         = "debug"
	keyPersistent    = "persistent"
	keyExpiry        = "litterbox_expiry"
	keyThresholdMB   = "limit_mb"
	keyEverConnected = "first_connection_success"
)

const (
	DefaultServiceURL  = "http://localhost:9000"
	DefaultExpiry      = "24h"
	DefaultThresholdMB = 50.0
)

// ValidExpiries maps the hour tiers accepted by the fallback host to the
// wire values it expects.
var ValidExpiries = map[string]string{
	"1":  "1h",
	"12": "12h",
	"24": "24h",
	"72": "72h",
}

// Store holds the runtime-mutable settings in a pebble key-value database.
// Reads materialize defaults on first access; writes are last-writer-wins.
type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open settings store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key, fallback string) string {
	data, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			// Materialize the default so later reads and the status
			// view see a concrete value.
			_ = s.set(key, fallback)
		}
		return fallback
	}
	defer closer.Close()
	return string(data)
}

func (s *Store) set(key, value string) error {
	return s.db.Set([]byte(key), []byte(value), pebble.Sync)
}

func (s *Store) getBool(key string) bool {
	v, _ := strconv.ParseBool(s.get(key, "false"))
	return v
}

func (s *Store) ServiceURL() string {
	return s.get(keyServiceURL, DefaultServiceURL)
}

func (s *Store) SetServiceURL(url string) error {
	return s.set(keyServiceURL, url)
}

func (s *Store) StoragePath() string {
	return s.get(keyStoragePath, filepath.Join(os.TempDir(), "clipforge"))
}

func (s *Store) SetStoragePath(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("cannot create storage path: %w", err)
	}
	return s.set(keyStoragePath, path)
}

func (s *Store) Debug() bool {
	return s.getBool(keyDebug)
}

// ToggleDebug flips the debug flag and returns the new value.
func (s *Store) ToggleDebug() (bool, error) {
	v := !s.Debug()
	return v, s.set(keyDebug, strconv.FormatBool(v))
}

func (s *Store) Persistent() bool {
	return s.getBool(keyPersistent)
}

// TogglePersistent flips the persistent-storage flag and returns the new value.
func (s *Store) TogglePersistent() (bool, error) {
	v := !s.Persistent()
	return v, s.set(keyPersistent, strconv.FormatBool(v))
}

func (s *Store) Expiry() string {
	return s.get(keyExpiry, DefaultExpiry)
}

// SetExpiry accepts an hour tier (1, 12, 24 or 72) and stores the
// corresponding wire value.
func (s *Store) SetExpiry(hours string) error {
	wire, ok := ValidExpiries[hours]
	if !ok {
		return fmt.Errorf("invalid expiry %q: use 1, 12, 24 or 72 hours", hours)
	}
	return s.set(keyExpiry, wire)
}

func (s *Store) ThresholdMB() float64 {
	v, err := strconv.ParseFloat(s.get(keyThresholdMB, "50"), 64)
	if err != nil || v <= 0 {
		return DefaultThresholdMB
	}
	return v
}

func (s *Store) SetThresholdMB(mb float64) error {
	if mb <= 0 {
		return errors.New("size threshold must be a positive number of megabytes")
	}
	return s.set(keyThresholdMB, strconv.FormatFloat(mb, 'f', -1, 64))
}

// EverConnected reports whether the extraction service has ever been
// reached successfully. It is a one-way latch: MarkConnected sets it, and
// only ResetSetup clears it.
func (s *Store) EverConnected() bool {
	return s.getBool(keyEverConnected)
}

func (s *Store) MarkConnected() error {
	return s.set(keyEverConnected, "true")
}

// ResetSetup clears the connection latch so the next failure produces the
// first-time setup message again. Other settings are untouched.
func (s *Store) ResetSetup() error {
	return s.set(keyEverConnected, "false")
}
