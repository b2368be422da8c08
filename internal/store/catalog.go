package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/high-horse/fingerprint-fleet/internal/fingerprint"
)

var ErrEmptyTemplate = errors.New("empty template")

// Enrollment is one named template in the catalog.
type Enrollment struct {
	ID         int                  `cbor:"1,keyasint"`
	Name       string               `cbor:"2,keyasint"`
	Template   fingerprint.Template `cbor:"3,keyasint"`
	EnrolledAt time.Time            `cbor:"4,keyasint"`
}

type catalogFile struct {
	Version     int          `cbor:"1,keyasint"`
	NextID      int          `cbor:"2,keyasint"`
	Enrollments []Enrollment `cbor:"3,keyasint"`
}

const catalogVersion = 1

// Catalog is a CBOR file of named enrollments, loaded once and rewritten on
// every change.
type Catalog struct {
	mu   sync.RWMutex
	path string
	data catalogFile
	enc  cbor.EncMode
}

// OpenCatalog loads path, or starts empty if it does not exist.
func OpenCatalog(path string) (*Catalog, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	c := &Catalog{
		path: path,
		data: catalogFile{Version: catalogVersion, NextID: 1},
		enc:  enc,
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	if err := cbor.Unmarshal(raw, &c.data); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	if c.data.Version != catalogVersion {
		return nil, fmt.Errorf("catalog %s: unsupported version %d", path, c.data.Version)
	}
	return c, nil
}

// Enroll appends a named template and persists the catalog.
func (c *Catalog) Enroll(name string, tpl fingerprint.Template) (Enrollment, error) {
	name = strings.TrimSpace(name)
	if len(tpl) == 0 {
		return Enrollment{}, ErrEmptyTemplate
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := Enrollment{
		ID:         c.data.NextID,
		Name:       name,
		Template:   append(fingerprint.Template(nil), tpl...),
		EnrolledAt: time.Now().UTC().Truncate(time.Second),
	}
	next := c.data
	next.NextID++
	next.Enrollments = append(append([]Enrollment(nil), c.data.Enrollments...), e)

	if err := c.save(next); err != nil {
		return Enrollment{}, err
	}
	c.data = next
	return e, nil
}

// Remove deletes an enrollment by id.
func (c *Catalog) Remove(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.data
	next.Enrollments = nil
	found := false
	for _, e := range c.data.Enrollments {
		if e.ID == id {
			found = true
			continue
		}
		next.Enrollments = append(next.Enrollments, e)
	}
	if !found {
		return fmt.Errorf("%w: enrollment %d", ErrTemplateNotFound, id)
	}
	if err := c.save(next); err != nil {
		return err
	}
	c.data = next
	return nil
}

// List returns the enrollments in enrollment order.
func (c *Catalog) List() []Enrollment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Enrollment, len(c.data.Enrollments))
	copy(out, c.data.Enrollments)
	return out
}

// Identify matches query against every enrollment in enrollment order.
func (c *Catalog) Identify(query fingerprint.Template, threshold float64) fingerprint.Identification {
	c.mu.RLock()
	candidates := make([]fingerprint.Candidate, 0, len(c.data.Enrollments))
	for _, e := range c.data.Enrollments {
		candidates = append(candidates, fingerprint.Candidate{Name: e.Name, Template: e.Template})
	}
	c.mu.RUnlock()

	return fingerprint.Identify(query, candidates, threshold)
}

func (c *Catalog) save(data catalogFile) error {
	raw, err := c.enc.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write catalog: %w", err)
	}
	return nil
}
