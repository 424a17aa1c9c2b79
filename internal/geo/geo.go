// Package geo enriches instance metadata with the region of the announcing
// address, looked up in a MaxMind database. The lookup is optional: with no
// database configured, registration proceeds without a region.
package geo

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/oschwald/maxminddb-golang"
)

// MetadataKey is the instance metadata key carrying the region code.
const MetadataKey = "region"

// Resolver maps an IPv4 address to a region code, empty when unknown.
type Resolver interface {
	Region(ip string) string
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ip string) string

func (f ResolverFunc) Region(ip string) string { return f(ip) }

// DB is a Resolver backed by a MaxMind country database. A nil DB resolves
// nothing, so callers never branch on whether geo lookup is configured.
type DB struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader
}

// Open loads the database at path.
func Open(path string) (*DB, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geo db %s: %w", path, err)
	}
	return &DB{reader: reader}, nil
}

// countryRecord is the subset of the MaxMind country schema we read.
type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Region returns the ISO country code for the address, empty for private,
// unparseable, or unknown addresses.
func (d *DB) Region(ip string) string {
	if d == nil {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.reader == nil {
		return ""
	}
	var record countryRecord
	if err := d.reader.Lookup(parsed, &record); err != nil {
		log.Printf("[geo] lookup %s: %v", ip, err)
		return ""
	}
	return record.Country.ISOCode
}

// Reload swaps in the database at path, keeping the old reader on failure.
func (d *DB) Reload(path string) error {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return fmt.Errorf("reload geo db %s: %w", path, err)
	}
	d.mu.Lock()
	old := d.reader
	d.reader = reader
	d.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Close releases the reader.
func (d *DB) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reader == nil {
		return nil
	}
	err := d.reader.Close()
	d.reader = nil
	return err
}

// Enrich sets the region metadata key from the resolver when the caller did
// not supply one. The input map is returned, allocated when nil and a region
// was found.
func Enrich(r Resolver, meta map[string]string, ip string) map[string]string {
	if r == nil {
		return meta
	}
	if _, ok := meta[MetadataKey]; ok {
		return meta
	}
	region := r.Region(ip)
	if region == "" {
		return meta
	}
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta[MetadataKey] = region
	return meta
}
