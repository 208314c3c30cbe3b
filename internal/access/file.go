// file.go -- YAML overrides for the role hierarchy and permission table.
package access

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// overrideFile mirrors the YAML schema:
//
//	role_hierarchy:
//	  manager: [executive, officer]
//	permissions:
//	  projects.edit: [executive]
//	  dashboard.view: ["*"]
//	remove: [legacy.report]
type overrideFile struct {
	RoleHierarchy map[string][]string `yaml:"role_hierarchy"`
	Permissions   map[string][]string `yaml:"permissions"`
	Remove        []string            `yaml:"remove"`
}

// LoadFile applies the overrides in path on top of what r already holds.
func (r *Registry) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening permissions file: %w", err)
	}
	defer f.Close()
	if err := r.Load(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Load applies YAML overrides read from src. Hierarchy entries with an empty list are removed.
func (r *Registry) Load(src io.Reader) error {
	var file overrideFile
	dec := yaml.NewDecoder(src)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return fmt.Errorf("parsing permissions yaml: %w", err)
	}

	for role, implied := range file.RoleHierarchy {
		r.SetRoleHierarchy(role, implied...)
	}
	for key, roles := range file.Permissions {
		if len(roles) == 0 {
			return fmt.Errorf("permission %q lists no roles; use [\"*\"] for anyone or add it to remove", key)
		}
		r.AddPermission(key, roles...)
	}
	for _, key := range file.Remove {
		r.RemovePermission(key)
	}
	return nil
}
