// Package seed reads YAML movie catalogues for import into a retriever.
package seed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flexigpt/moviedialog-go/spec"
)

const maxSeedBytes = 16 << 20 // 16 MiB

// Catalog is the seed file layout:
//
//	movies:
//	  - id: airplane-1980
//	    title: Airplane!
//	    rating: 7.7
//	    attributes:
//	      genre: [comedy]
//	      year: ["1980"]
type Catalog struct {
	Movies []Movie `yaml:"movies"`

	// Digest is the sha256 of the file the catalogue was read from.
	Digest string `yaml:"-"`
}

type Movie struct {
	ID         string              `yaml:"id"`
	Title      string              `yaml:"title"`
	Rating     float64             `yaml:"rating"`
	Attributes map[string][]string `yaml:"attributes"`
}

// LoadFile reads and validates a seed catalogue.
func LoadFile(ctx context.Context, path string) (Catalog, error) {
	if err := ctx.Err(); err != nil {
		return Catalog{}, err
	}
	p := strings.TrimSpace(path)
	if p == "" {
		return Catalog{}, errors.New("empty seed path")
	}
	p, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return Catalog{}, err
	}

	b, digest, err := readAllLimitedAndDigest(p)
	if err != nil {
		return Catalog{}, err
	}
	c, err := Parse(b)
	if err != nil {
		return Catalog{}, fmt.Errorf("%s: %w", p, err)
	}
	c.Digest = "sha256:" + digest
	return c, nil
}

// Parse decodes and validates a seed catalogue. Attribute values are trimmed
// and empty ones dropped.
func Parse(b []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Catalog{}, fmt.Errorf("invalid seed YAML: %w", err)
	}

	seen := make(map[string]bool, len(c.Movies))
	var errs []error
	for i := range c.Movies {
		m := &c.Movies[i]
		m.ID = strings.TrimSpace(m.ID)
		m.Title = strings.TrimSpace(m.Title)
		if err := validateMovie(*m); err != nil {
			errs = append(errs, fmt.Errorf("movies[%d]: %w", i, err))
			continue
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Errorf("movies[%d]: duplicate id %q", i, m.ID))
			continue
		}
		seen[m.ID] = true
		m.Attributes = normalizeAttributes(m.Attributes)
	}
	if len(errs) > 0 {
		return Catalog{}, errors.Join(errs...)
	}
	return c, nil
}

func validateMovie(m Movie) error {
	if m.ID == "" {
		return errors.New("id is required")
	}
	if len(m.ID) > 128 {
		return errors.New("id too long (max 128)")
	}
	if m.Title == "" {
		return errors.New("title is required")
	}
	if m.Rating < 0 {
		return fmt.Errorf("negative rating %v", m.Rating)
	}
	for slot := range m.Attributes {
		if strings.TrimSpace(slot) == "" {
			return errors.New("empty attribute name")
		}
		if spec.SlotName(strings.ToLower(strings.TrimSpace(slot))) == spec.SlotMovieID {
			return fmt.Errorf("attribute %q is reserved", slot)
		}
	}
	return nil
}

func normalizeAttributes(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for slot, values := range in {
		name := strings.ToLower(strings.TrimSpace(slot))
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				out[name] = append(out[name], v)
			}
		}
	}
	return out
}

func readAllLimitedAndDigest(path string) (data []byte, dataSHA string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	data, err = io.ReadAll(io.LimitReader(f, int64(maxSeedBytes)+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxSeedBytes {
		return nil, "", fmt.Errorf("seed file too large (max %d bytes)", maxSeedBytes)
	}

	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}
