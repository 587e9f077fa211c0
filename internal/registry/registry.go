// Package registry holds the per-tenant catalogue of application screens the
// shell may load. A Registry is built once at startup and never mutated.
package registry

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

// ErrInvalid reports a registry document that fails schema validation.
var ErrInvalid = errors.New("registry: invalid document")

// Screen is one remotely loaded application.
type Screen struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	URL    string `json:"url" yaml:"url"`
	Scope  string `json:"scope" yaml:"scope"`
	Module string `json:"module" yaml:"module"`
}

// Tenant is a customer organisation and the screens it may use.
type Tenant struct {
	Name       string   `json:"name" yaml:"name"`
	CustomerID string   `json:"customerId" yaml:"customerId"`
	Screens    []Screen `json:"screens" yaml:"screens"`
}

type document struct {
	Tenants map[string]Tenant `json:"tenants"`
}

// Registry maps tenant ids to their configuration.
type Registry struct {
	tenants map[string]Tenant
}

// New builds a registry from tenants keyed by id.
func New(tenants map[string]Tenant) *Registry {
	r := &Registry{tenants: make(map[string]Tenant, len(tenants))}
	for id, t := range tenants {
		if t.CustomerID == "" {
			t.CustomerID = id
		}
		t.Screens = append([]Screen(nil), t.Screens...)
		r.tenants[id] = t
	}
	return r
}

// Default is the built-in registry used when no file can be read.
func Default() *Registry {
	screens := []Screen{{
		ID:     "support-tickets",
		Name:   "Support Tickets",
		URL:    "http://localhost:3002/remoteEntry.js",
		Scope:  "supportTicketsApp",
		Module: "./SupportTicketsApp",
	}}
	return New(map[string]Tenant{
		"logisticsco": {Name: "LogisticsCo", CustomerID: "logisticsco", Screens: screens},
		"retailgmbh":  {Name: "RetailGmbH", CustomerID: "retailgmbh", Screens: screens},
	})
}

// Lookup returns the tenant for customerID. An exact key wins over a
// case-insensitive match.
func (r *Registry) Lookup(customerID string) (Tenant, bool) {
	if t, ok := r.tenants[customerID]; ok {
		return cloneTenant(t), true
	}
	for id, t := range r.tenants {
		if strings.EqualFold(id, customerID) {
			return cloneTenant(t), true
		}
	}
	return Tenant{}, false
}

// TenantIDs lists known tenants in sorted order.
func (r *Registry) TenantIDs() []string {
	out := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func cloneTenant(t Tenant) Tenant {
	t.Screens = append([]Screen(nil), t.Screens...)
	return t
}

// Load reads a JSON or YAML registry file (by extension) and validates it.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(raw)
	default:
		return ParseJSON(raw)
	}
}

// LoadOrDefault loads path and falls back to Default on any failure.
func LoadOrDefault(path string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(path) == "" {
		logger.Info("no registry configured, using built-in tenants")
		return Default()
	}
	r, err := Load(path)
	if err != nil {
		logger.Warn("could not load registry, using built-in tenants", zap.String("path", path), zap.Error(err))
		return Default()
	}
	logger.Info("registry loaded", zap.String("path", path), zap.Strings("tenants", r.TenantIDs()))
	return r
}

// ParseYAML validates and decodes a YAML document.
func ParseYAML(raw []byte) (*Registry, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("registry: parse yaml: %w", err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("registry: convert yaml: %w", err)
	}
	return ParseJSON(asJSON)
}

// ParseJSON validates and decodes a JSON document.
func ParseJSON(raw []byte) (*Registry, error) {
	res, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: parse json: %w", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("registry: decode: %w", err)
	}
	return New(doc.Tenants), nil
}
