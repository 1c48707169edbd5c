package activity

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultCaloriesPerMinute applies to kinds without an explicit rate.
const DefaultCaloriesPerMinute = 3

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// Kind describes one activity program.
type Kind struct {
	Kind              string `json:"kind" yaml:"kind"`
	Title             string `json:"title" yaml:"title"`
	CaloriesPerMinute int    `json:"calories_per_minute" yaml:"calories_per_minute"`
	Steps             []Step `json:"steps" yaml:"steps"`
}

// Catalog is an immutable lookup of activity kinds.
type Catalog struct {
	order []string
	kinds map[string]Kind
}

type catalogFile struct {
	Activities []Kind `yaml:"activities"`
}

// DefaultCatalog returns the built-in programs.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// LoadCatalog reads a YAML catalog from path. An empty path yields the
// built-in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read activity catalog: %w", err)
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse activity catalog: %w", err)
	}
	c := &Catalog{kinds: make(map[string]Kind, len(f.Activities))}
	for _, k := range f.Activities {
		k.Kind = strings.TrimSpace(k.Kind)
		if k.Kind == "" {
			return nil, fmt.Errorf("parse activity catalog: entry without kind")
		}
		if _, dup := c.kinds[k.Kind]; dup {
			return nil, fmt.Errorf("parse activity catalog: duplicate kind %q", k.Kind)
		}
		if k.CaloriesPerMinute <= 0 {
			k.CaloriesPerMinute = DefaultCaloriesPerMinute
		}
		c.order = append(c.order, k.Kind)
		c.kinds[k.Kind] = k
	}
	return c, nil
}

// Steps returns a copy of the steps for kind; unknown kinds have none.
func (c *Catalog) Steps(kind string) []Step {
	k, ok := c.kinds[kind]
	if !ok || len(k.Steps) == 0 {
		return nil
	}
	out := make([]Step, len(k.Steps))
	copy(out, k.Steps)
	return out
}

func (c *Catalog) CaloriesPerMinute(kind string) int {
	if k, ok := c.kinds[kind]; ok {
		return k.CaloriesPerMinute
	}
	return DefaultCaloriesPerMinute
}

// Kinds lists the programs in file order.
func (c *Catalog) Kinds() []Kind {
	out := make([]Kind, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.kinds[name])
	}
	return out
}
