package intake

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed vocabulary.yaml
var vocabularyYAML []byte

// Option is one selectable answer of a radio or checkbox group.
type Option struct {
	Code  string `yaml:"code" json:"code"`
	Label string `yaml:"label" json:"label"`
}

// Catalog holds the fixed vocabularies of the intake form. Current pain site
// and treatment site share the body-site vocabulary.
type Catalog struct {
	Gender       []Option `yaml:"gender" json:"gender"`
	AcuteChronic []Option `yaml:"acuteChronic" json:"acuteChronic"`
	PastHistory  []Option `yaml:"pastHistory" json:"pastHistory"`
	BodySite     []Option `yaml:"bodySite" json:"bodySite"`
}

var defaultCatalog = mustParseCatalog(vocabularyYAML)

// DefaultCatalog returns the embedded option catalog.
func DefaultCatalog() *Catalog { return defaultCatalog }

// ParseCatalog decodes a YAML catalog and checks that every group is present
// and that codes are unique within a group.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode vocabulary: %w", err)
	}
	groups := map[string][]Option{
		"gender":       c.Gender,
		"acuteChronic": c.AcuteChronic,
		"pastHistory":  c.PastHistory,
		"bodySite":     c.BodySite,
	}
	for name, opts := range groups {
		if len(opts) == 0 {
			return nil, fmt.Errorf("vocabulary group %q is empty", name)
		}
		seen := make(map[string]bool, len(opts))
		for _, o := range opts {
			if o.Code == "" {
				return nil, fmt.Errorf("vocabulary group %q has an option without a code", name)
			}
			if seen[o.Code] {
				return nil, fmt.Errorf("vocabulary group %q repeats code %q", name, o.Code)
			}
			seen[o.Code] = true
		}
	}
	return &c, nil
}

func mustParseCatalog(data []byte) *Catalog {
	c, err := ParseCatalog(data)
	if err != nil {
		panic(err)
	}
	return c
}

// Options returns the vocabulary of an enumerated field, or nil for free-form
// fields.
func (c *Catalog) Options(f Field) []Option {
	switch f {
	case FieldGender:
		return c.Gender
	case FieldAcuteChronic:
		return c.AcuteChronic
	case FieldPastHistory:
		return c.PastHistory
	case FieldCurrentPainSite, FieldTreatmentSite:
		return c.BodySite
	}
	return nil
}

// Resolve maps a code or a display label of field f to its code.
func (c *Catalog) Resolve(f Field, v string) (string, bool) {
	for _, o := range c.Options(f) {
		if v == o.Code || v == o.Label {
			return o.Code, true
		}
	}
	return "", false
}

// Label returns the display label for code, falling back to the code itself.
func (c *Catalog) Label(f Field, code string) string {
	for _, o := range c.Options(f) {
		if o.Code == code {
			return o.Label
		}
	}
	return code
}

// Labels maps every code of a set-valued field to its label, in catalog order.
func (c *Catalog) Labels(f Field, codes []string) []string {
	in := make(map[string]bool, len(codes))
	for _, code := range codes {
		in[code] = true
	}
	out := make([]string, 0, len(codes))
	for _, o := range c.Options(f) {
		if in[o.Code] {
			out = append(out, o.Label)
		}
	}
	return out
}
