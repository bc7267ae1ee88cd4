package assignments

import (
	"fmt"
	"io"
	"os"

	"github.com/sudankdk/icee/internal/model"
	"gopkg.in/yaml.v3"
)

type file struct {
	Assignments []model.Assignment `yaml:"assignments"`
}

// Catalog is a read-only set of assignments loaded at startup.
type Catalog struct {
	byID  map[string]model.Assignment
	order []model.Assignment
}

// Load reads a catalog file. JSON files work too since they are valid YAML.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return c, nil
}

func Parse(r io.Reader) (*Catalog, error) {
	var doc file
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, err
	}
	return New(doc.Assignments...)
}

// New builds a catalog. Entries without an id are kept but cannot be looked up
// or listed.
func New(list ...model.Assignment) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]model.Assignment, len(list))}
	for i, a := range list {
		if a.ID != "" {
			if _, dup := c.byID[a.ID]; dup {
				return nil, fmt.Errorf("assignment %d: duplicate id %q", i+1, a.ID)
			}
			c.byID[a.ID] = a
		}
		c.order = append(c.order, a)
	}
	return c, nil
}

// GetAll lists the assignments in file order.
func (c *Catalog) GetAll() []model.AssignmentSummary {
	out := make([]model.AssignmentSummary, 0, len(c.order))
	for _, a := range c.order {
		if a.ID == "" {
			continue
		}
		out = append(out, model.AssignmentSummary{ID: a.ID, Name: a.Name})
	}
	return out
}

func (c *Catalog) Get(id string) (model.Assignment, bool) {
	a, ok := c.byID[id]
	return a, ok
}
