package storage

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

const (
	// MaxAge bounds how long any entry, tombstones included, is retained.
	MaxAge = 10 * 24 * time.Hour

	// MaxMapSize bounds the number of entries kept per store.
	MaxMapSize = 10000

	// MaxInventoryMapSize is the byte budget a single store may contribute to
	// an inventory response. It is divided by MetaData.MaxSizeBytes to get
	// the per-store item cap.
	MaxInventoryMapSize = 1_000_000

	// InventoryMaxSize is the total byte budget of one inventory response.
	InventoryMaxSize = 2_000_000

	// DataFilterMaxEntries bounds the filter sent with an inventory request.
	DataFilterMaxEntries = 50_000

	DefaultPriority = 0
	HighPriority    = 10
)

// MetaData describes the replication policy of one payload class.
type MetaData struct {
	TTL          time.Duration
	MaxSizeBytes int
	ClassName    string
	Priority     int
}

func (m MetaData) Validate() error {
	if m.ClassName == "" {
		return fmt.Errorf("meta data without class name")
	}
	if m.MaxSizeBytes <= 0 {
		return fmt.Errorf("meta data for %s has invalid max size %d", m.ClassName, m.MaxSizeBytes)
	}
	if m.TTL <= 0 {
		return fmt.Errorf("meta data for %s has invalid ttl %s", m.ClassName, m.TTL)
	}
	return nil
}

// StoreKey is the per-class store name, the snake case class name.
func (m MetaData) StoreKey() string {
	return StoreKeyFor(m.ClassName)
}

// MaxInventoryItems is the number of entries a store of this class may
// return in one inventory response.
func (m MetaData) MaxInventoryItems() int {
	if m.MaxSizeBytes <= 0 {
		return 0
	}
	n := MaxInventoryMapSize / m.MaxSizeBytes
	if n < 1 {
		n = 1
	}
	return n
}

func StoreKeyFor(className string) string {
	var b strings.Builder
	runes := []rune(className)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if r == '.' || r == '-' || r == ' ' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
