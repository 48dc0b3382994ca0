package steps

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Cascade/internal/domain"
)

// File — формат YAML-файла с описанием каскада.
//
//	steps:
//	  - id: "01"
//	    order: 1
//	    script_key: create_personas
//	    name: Criar Personas
//	    command: ["node", "scripts/create_personas.js", "--empresaId={{ .TenantID }}"]
//	    timeout_sec: 600
type File struct {
	Steps []domain.CascadeStep `yaml:"steps"`
}

// Parse разбирает YAML и строит реестр.
func Parse(data []byte) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse steps: %w", err)
	}
	if len(f.Steps) == 0 {
		return nil, fmt.Errorf("%w: no steps defined", ErrInvalidStep)
	}
	return NewRegistry(f.Steps)
}

// LoadFile читает реестр из файла.
// Пустой path — встроенный каскад.
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read steps file: %w", err)
	}
	return Parse(data)
}
