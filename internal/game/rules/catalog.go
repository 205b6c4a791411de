package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CatalogEntry declares one game type in the rules catalog.
type CatalogEntry struct {
	GameType         string `yaml:"type"`
	Builtin          string `yaml:"builtin"`
	Script           string `yaml:"script"`
	MinPlayers       int    `yaml:"min_players"`
	MaxPlayers       int    `yaml:"max_players"`
	InstructionLimit int    `yaml:"instruction_limit"`
}

// Catalog is the YAML document listing available game types.
//
//	games:
//	  - type: freeplay
//	    builtin: freeplay
//	  - type: nim
//	    script: nim.lua
//	    min_players: 2
//	    max_players: 4
type Catalog struct {
	Games []CatalogEntry `yaml:"games"`
	// dir resolves relative script paths.
	dir string
}

// LoadCatalog reads and parses the catalog at path.
//
// Precondition: path names a readable YAML file.
// Postcondition: Returns a Catalog whose script paths resolve relative to the file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: reading catalog %q: %w", path, err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("rules: parsing catalog %q: %w", path, err)
	}
	c.dir = filepath.Dir(path)
	return &c, nil
}

// BuildRegistry instantiates every catalog entry into a Registry. The freeplay
// builtin is always registered, even when the catalog omits it.
func (c *Catalog) BuildRegistry() (*Registry, error) {
	reg := NewRegistry()
	for _, e := range c.Games {
		mod, err := c.instantiate(e)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(Entry{Module: mod, MinPlayers: e.MinPlayers, MaxPlayers: e.MaxPlayers}); err != nil {
			return nil, err
		}
	}
	if _, ok := reg.Lookup(FreeplayGameType); !ok {
		if err := reg.Register(Entry{Module: Freeplay{}}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (c *Catalog) instantiate(e CatalogEntry) (Module, error) {
	switch {
	case e.GameType == "":
		return nil, fmt.Errorf("rules: catalog entry without type")
	case e.Builtin != "" && e.Script != "":
		return nil, fmt.Errorf("rules: %s sets both builtin and script", e.GameType)
	case e.Builtin == FreeplayGameType:
		if e.GameType != FreeplayGameType {
			return nil, fmt.Errorf("rules: builtin freeplay must be registered as %q", FreeplayGameType)
		}
		return Freeplay{}, nil
	case e.Builtin != "":
		return nil, fmt.Errorf("rules: %s: unknown builtin %q", e.GameType, e.Builtin)
	case e.Script != "":
		path := e.Script
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.dir, path)
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("rules: reading script for %s: %w", e.GameType, err)
		}
		return NewLuaModule(e.GameType, filepath.Base(path), string(src), e.InstructionLimit)
	default:
		return nil, fmt.Errorf("rules: %s needs a builtin or a script", e.GameType)
	}
}

// DefaultRegistry returns a Registry holding only the freeplay builtin.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	_ = reg.Register(Entry{Module: Freeplay{}})
	return reg
}
