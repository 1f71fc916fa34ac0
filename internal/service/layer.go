package service

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed layers.yaml
var defaultLayers []byte

// LayerService serves the layer catalogue. Descriptors are fixed once
// loaded; nothing creates or deletes them at runtime.
type LayerService struct {
	source string
	layers []MapLayerDescriptor
	byID   map[string]int
}

// NewLayerService loads layers.yaml from dataDir, falling back to the
// built-in catalogue when the file does not exist.
func NewLayerService(dataDir string) (*LayerService, error) {
	data, source, err := readCatalogue(dataDir)
	if err != nil {
		return nil, err
	}
	return ParseLayers(data, source)
}

func readCatalogue(dataDir string) ([]byte, string, error) {
	if dataDir == "" {
		return defaultLayers, "builtin", nil
	}
	path := filepath.Join(dataDir, "layers.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultLayers, "builtin", nil
		}
		return nil, "", fmt.Errorf("reading layer catalogue: %w", err)
	}
	return data, path, nil
}

// ParseLayers builds a LayerService from YAML.
func ParseLayers(data []byte, source string) (*LayerService, error) {
	var layers []MapLayerDescriptor
	if err := yaml.Unmarshal(data, &layers); err != nil {
		return nil, fmt.Errorf("parsing layer catalogue %s: %w", source, err)
	}

	s := &LayerService{
		source: source,
		layers: layers,
		byID:   make(map[string]int, len(layers)),
	}
	for i, l := range layers {
		if err := validate(l); err != nil {
			return nil, fmt.Errorf("layer catalogue %s, entry %d: %w", source, i, err)
		}
		if _, dup := s.byID[l.ID]; dup {
			return nil, fmt.Errorf("layer catalogue %s: duplicate id %q", source, l.ID)
		}
		s.byID[l.ID] = i
	}
	return s, nil
}

func validate(l MapLayerDescriptor) error {
	switch {
	case l.ID == "":
		return errors.New("missing id")
	case l.Path == "":
		return fmt.Errorf("layer %q: missing path", l.ID)
	case l.Level != LevelState && l.Level != LevelDistrict:
		return fmt.Errorf("layer %q: level must be %q or %q, got %q", l.ID, LevelState, LevelDistrict, l.Level)
	case l.FillOpacity < 0 || l.FillOpacity > 1:
		return fmt.Errorf("layer %q: fillOpacity out of range", l.ID)
	}
	return nil
}

// Source names where the catalogue was read from.
func (s *LayerService) Source() string {
	return s.source
}

// List returns all descriptors in declared order.
func (s *LayerService) List() []MapLayerDescriptor {
	result := make([]MapLayerDescriptor, len(s.layers))
	copy(result, s.layers)
	return result
}

// Get returns a descriptor by ID.
func (s *LayerService) Get(id string) (MapLayerDescriptor, bool) {
	i, ok := s.byID[id]
	if !ok {
		return MapLayerDescriptor{}, false
	}
	return s.layers[i], true
}

// ByLevel groups descriptors by level, state first.
func (s *LayerService) ByLevel() []LayerGroup {
	groups := []LayerGroup{{Level: LevelState}, {Level: LevelDistrict}}
	for _, l := range s.layers {
		if l.Level == LevelState {
			groups[0].Layers = append(groups[0].Layers, l)
		} else {
			groups[1].Layers = append(groups[1].Layers, l)
		}
	}
	return groups
}
