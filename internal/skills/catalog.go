// ABOUTME: Embedded skill catalogs loaded at tenant initialization.
// ABOUTME: A generic catalog applies to every tenant; industry catalogs overlay it.

package skills

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"

	"github.com/2389/mcp-broker/internal/mcp"
)

//go:embed catalogs/*.yaml
var catalogFS embed.FS

type catalogFile struct {
	Skills []mcp.Skill `yaml:"skills"`
}

// loadCatalog returns the generic skill templates plus the templates for the
// given industry. An unknown industry yields only the generic catalog.
func loadCatalog(industry string) ([]mcp.Skill, error) {
	templates, err := readCatalog("catalogs/generic.yaml")
	if err != nil {
		return nil, err
	}

	if industry != "" {
		extra, err := readCatalog(fmt.Sprintf("catalogs/%s.yaml", industry))
		if err == nil {
			templates = append(templates, extra...)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return templates, nil
}

func readCatalog(path string) ([]mcp.Skill, error) {
	data, err := catalogFS.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return file.Skills, nil
}
