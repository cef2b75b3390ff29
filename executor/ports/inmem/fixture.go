package inmem

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"visioner-rules/executor/perception"
	"visioner-rules/executor/ports"
)

// Fixture is the YAML shape of a scene file.
type Fixture struct {
	Ambient  perception.Lighting            `yaml:"ambient"`
	Lighting map[string]perception.Lighting `yaml:"lighting"`
	Selected []string                       `yaml:"selected"`
	Targeted []string                       `yaml:"targeted"`
	Tokens   []*ports.Token                 `yaml:"tokens"`
}

// LoadSceneFile reads a YAML scene fixture from disk.
func LoadSceneFile(path string) (*Scene, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scene fixture: %w", err)
	}
	defer f.Close()
	return LoadScene(f)
}

// LoadScene decodes a YAML scene fixture.
func LoadScene(r io.Reader) (*Scene, error) {
	var fx Fixture
	if err := yaml.NewDecoder(r).Decode(&fx); err != nil {
		return nil, fmt.Errorf("decode scene fixture: %w", err)
	}

	scene := NewScene()
	seen := make(map[string]bool, len(fx.Tokens))
	for i, t := range fx.Tokens {
		if t == nil || t.ID == "" {
			return nil, fmt.Errorf("scene fixture: token %d has no id", i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("scene fixture: duplicate token id %q", t.ID)
		}
		seen[t.ID] = true
		if t.Disposition == "" {
			t.Disposition = perception.Neutral
		}
		scene.Put(t)
	}

	if fx.Ambient != "" {
		if !fx.Ambient.Valid() {
			return nil, fmt.Errorf("scene fixture: unknown ambient lighting %q", fx.Ambient)
		}
		scene.SetAmbient(fx.Ambient)
	}
	for id, l := range fx.Lighting {
		if !l.Valid() {
			return nil, fmt.Errorf("scene fixture: unknown lighting %q for %s", l, id)
		}
		scene.SetAmbient(l, id)
	}
	scene.Select(fx.Selected...)
	scene.Target(fx.Targeted...)
	return scene, nil
}
