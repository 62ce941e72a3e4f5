package catalog

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	// ErrTemplateNotFound signals an unknown template key. This is a
	// configuration defect, never a retryable condition.
	ErrTemplateNotFound = errors.New("catalog: template not found")
)

// Catalog is the read-only registry of document templates, loaded once at
// process start and validated before use.
type Catalog struct {
	templates map[string]Template
}

// New builds a Catalog from the given templates, validating each one.
func New(templates []Template) (*Catalog, error) {
	byKey := make(map[string]Template, len(templates))
	for i, tmpl := range templates {
		if err := validateTemplate(tmpl); err != nil {
			return nil, fmt.Errorf("catalog: template %d (%q): %w", i, tmpl.Key, err)
		}
		if _, dup := byKey[tmpl.Key]; dup {
			return nil, fmt.Errorf("catalog: duplicate template key %q", tmpl.Key)
		}
		byKey[tmpl.Key] = tmpl
	}
	return &Catalog{templates: byKey}, nil
}

// Load reads a YAML catalog file and validates it.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Catalog from raw YAML.
func Parse(data []byte) (*Catalog, error) {
	var doc struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse yaml: %w", err)
	}
	return New(doc.Templates)
}

// Get returns the template for key or ErrTemplateNotFound.
func (c *Catalog) Get(key string) (Template, error) {
	tmpl, ok := c.templates[key]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, key)
	}
	return tmpl, nil
}

// Keys returns every registered template key, unordered.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.templates))
	for k := range c.templates {
		keys = append(keys, k)
	}
	return keys
}

func validateTemplate(tmpl Template) error {
	if tmpl.Key == "" {
		return fmt.Errorf("missing key")
	}
	if tmpl.PageCount < 0 {
		return fmt.Errorf("negative page count %d", tmpl.PageCount)
	}
	switch tmpl.FanOut {
	case FanOutSingle:
		if len(tmpl.FanOutRoles) > 0 {
			return fmt.Errorf("fan_out_roles set on single template")
		}
	case FanOutPerSigner:
		if len(tmpl.FanOutRoles) == 0 {
			return fmt.Errorf("per_signer template requires fan_out_roles")
		}
		for _, r := range tmpl.FanOutRoles {
			if !validRole(r) {
				return fmt.Errorf("invalid fan-out role %q", r)
			}
		}
	default:
		return fmt.Errorf("invalid fan_out %q", tmpl.FanOut)
	}
	if tmpl.Primary == "" {
		return fmt.Errorf("missing primary role")
	}
	if !validRole(tmpl.Primary) {
		return fmt.Errorf("invalid primary role %q", tmpl.Primary)
	}
	// A template with zero fields is legitimate (cover pages).
	for i, f := range tmpl.Fields {
		if !validFieldType(f.Type) {
			return fmt.Errorf("field %d: invalid type %q", i, f.Type)
		}
		if !validRole(f.Role) {
			return fmt.Errorf("field %d: invalid role %q", i, f.Role)
		}
		if f.PageIndex < 0 || f.PageIndex >= tmpl.PageCount {
			return fmt.Errorf("field %d: page %d out of range (template has %d pages)", i, f.PageIndex, tmpl.PageCount)
		}
		if f.Width <= 0 || f.Height <= 0 {
			return fmt.Errorf("field %d: non-positive box %gx%g", i, f.Width, f.Height)
		}
	}
	return nil
}
