// Package pricing loads the service catalog and computes price breakdowns.
package pricing

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/booking-engine/internal/models"
)

//go:embed catalog.yaml
var defaultCatalog []byte

var (
	ErrUnknownService = errors.New("pricing: unknown service")
	ErrUnknownAddon   = errors.New("pricing: unknown addon")
)

type Service struct {
	ID              string           `yaml:"id"`
	Name            string           `yaml:"name"`
	Category        string           `yaml:"category"`
	BasePrice       int64            `yaml:"basePrice"`
	Currency        string           `yaml:"currency"`
	DurationMinutes int              `yaml:"durationMinutes"`
	Addons          map[string]int64 `yaml:"addons"`
}

func (s Service) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

type Catalog struct {
	Currency string    `yaml:"currency"`
	Services []Service `yaml:"services"`

	byID    map[string]Service
	taxRate float64
}

// Load reads a catalog file, or the built-in catalog when path is empty.
func Load(path string, taxRate float64) (*Catalog, error) {
	raw := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		raw = b
	}
	return Parse(raw, taxRate)
}

func Parse(raw []byte, taxRate float64) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if taxRate < 0 {
		return nil, fmt.Errorf("negative tax rate %v", taxRate)
	}
	c.taxRate = taxRate
	c.byID = make(map[string]Service, len(c.Services))
	var errs []error
	for _, s := range c.Services {
		if s.ID == "" || s.Category == "" {
			errs = append(errs, fmt.Errorf("service %q: id and category are required", s.ID))
			continue
		}
		if _, dup := c.byID[s.ID]; dup {
			errs = append(errs, fmt.Errorf("service %q: duplicate id", s.ID))
			continue
		}
		if s.Currency == "" {
			s.Currency = c.Currency
		}
		c.byID[s.ID] = s
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) Service(id string) (Service, error) {
	s, ok := c.byID[id]
	if !ok {
		return Service{}, fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	return s, nil
}

// ComputePriceBreakup prices a service plus addons. Addons are deduplicated
// and listed in sorted order so the result is deterministic.
func (c *Catalog) ComputePriceBreakup(serviceID string, addonIDs []string) (models.PriceBreakdown, error) {
	s, err := c.Service(serviceID)
	if err != nil {
		return models.PriceBreakdown{}, err
	}
	out := models.PriceBreakdown{Currency: strings.ToLower(s.Currency)}
	out.Items = append(out.Items, models.PriceItem{Code: s.ID, Label: s.Name, Amount: s.BasePrice})
	seen := make(map[string]bool, len(addonIDs))
	ids := append([]string(nil), addonIDs...)
	sort.Strings(ids)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		price, ok := s.Addons[id]
		if !ok {
			return models.PriceBreakdown{}, fmt.Errorf("%w: %s", ErrUnknownAddon, id)
		}
		out.Items = append(out.Items, models.PriceItem{Code: "addon:" + id, Label: id, Amount: price})
	}
	for _, it := range out.Items {
		out.Subtotal += it.Amount
	}
	out.Tax = int64(math.Round(float64(out.Subtotal) * c.taxRate))
	out.Total = out.Subtotal + out.Tax
	return out, nil
}
