package mail

import (
	"fmt"
	"os"
	"strconv"

	yaml "go.yaml.in/yaml/v3"
)

// Course is one entry of the course catalog.
type Course struct {
	Title string `yaml:"title"`
}

// Catalog maps course IDs, as strings, to their metadata. Catalog files may be
// YAML or JSON.
type Catalog map[string]Course

// LoadCatalog reads a catalog file. An empty path yields an empty catalog.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return Catalog{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read course catalog: %w", err)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse course catalog %s: %w", path, err)
	}
	if c == nil {
		c = Catalog{}
	}
	return c, nil
}

// Title returns the course title, or fallback when the course is unknown.
func (c Catalog) Title(courseID *int64, fallback string) string {
	if courseID == nil {
		return fallback
	}
	if course, ok := c[strconv.FormatInt(*courseID, 10)]; ok && course.Title != "" {
		return course.Title
	}
	return fallback
}
