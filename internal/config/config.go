// Package config holds the configuration surface from spec.md 6:
// page_size, cache_bytes, lock_timeout, default durability_mode,
// max_key_size, max_entry_size, max_fragmented_entry_size.
package config

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// DurabilityMode mirrors spec.md 4.8/7's durability modes.
type DurabilityMode int

const (
	SyncMode DurabilityMode = iota
	NoSyncMode
	NoFlushMode
	NoRedoMode
)

func (m DurabilityMode) String() string {
	switch m {
	case SyncMode:
		return "SYNC"
	case NoSyncMode:
		return "NO_SYNC"
	case NoFlushMode:
		return "NO_FLUSH"
	case NoRedoMode:
		return "NO_REDO"
	}
	return "UNKNOWN"
}

// Config is the full configuration surface a Database is opened with.
type Config struct {
	PageSize    uint32
	CacheBytes  int64
	LockTimeout time.Duration
	Durability  DurabilityMode

	MaxKeySize             uint32
	MaxEntrySize            uint32
	MaxFragmentedEntrySize uint32
}

// Default returns a Config with the same conservative defaults Tupl
// ships with: 4 KiB pages, a 64 MiB cache, a one second lock timeout,
// SYNC durability.
func Default() Config {
	return Config{
		PageSize:               4096,
		CacheBytes:             64 * humanize.MiByte,
		LockTimeout:            time.Second,
		Durability:             SyncMode,
		MaxKeySize:             2048,
		MaxEntrySize:           humanize.MiByte,
		MaxFragmentedEntrySize: 256 * humanize.MiByte,
	}
}

// Validate rejects configurations that can never produce a working
// database, with messages sized in human-readable units so a
// misconfigured page_size doesn't just print a raw byte count.
func (c Config) Validate() error {
	if c.PageSize < 512 || c.PageSize > 65536 || c.PageSize&(c.PageSize-1) != 0 {
		return errors.Errorf("config: page_size %s is not a power of two between 512B and 64KiB",
			humanize.IBytes(uint64(c.PageSize)))
	}
	if c.CacheBytes < int64(c.PageSize)*8 {
		return errors.Errorf("config: cache_bytes %s is too small to hold even 8 pages of size %s",
			humanize.IBytes(uint64(c.CacheBytes)), humanize.IBytes(uint64(c.PageSize)))
	}
	if c.LockTimeout < 0 {
		return errors.Errorf("config: lock_timeout %s must not be negative", c.LockTimeout)
	}
	if c.MaxKeySize == 0 || c.MaxKeySize > c.PageSize/2 {
		return errors.Errorf("config: max_key_size %s must fit within half a page (%s)",
			humanize.IBytes(uint64(c.MaxKeySize)), humanize.IBytes(uint64(c.PageSize/2)))
	}
	if c.MaxEntrySize == 0 {
		return errors.New("config: max_entry_size must be positive")
	}
	if c.MaxFragmentedEntrySize < c.MaxEntrySize {
		return errors.Errorf("config: max_fragmented_entry_size %s must be at least max_entry_size %s",
			humanize.IBytes(uint64(c.MaxFragmentedEntrySize)), humanize.IBytes(uint64(c.MaxEntrySize)))
	}
	return nil
}
