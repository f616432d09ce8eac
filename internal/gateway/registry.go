// Package gateway is a reference implementation of the backend gateway: it
// serves the /versions HTTP contract and the per-task WebSocket channel for
// instances described in the configuration file.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/clean-dependency-project/botctl/internal/config"
	"github.com/clean-dependency-project/botctl/internal/orchestrator"
	"github.com/clean-dependency-project/botctl/internal/versions"
)

// FootprintFile is written into every install dir the gateway manages.
const FootprintFile = ".botctl-component.json"

// Footprint records what is installed in a component directory.
type Footprint struct {
	Version string `json:"version,omitempty"`
	Commit  string `json:"commit,omitempty"`
}

// ComponentSpec describes one component of an instance.
type ComponentSpec struct {
	Component     versions.Component
	InstallDir    string
	Repository    string
	Branch        string
	AssetPattern  string
	PublicKeyFile string
}

// Instance is a configured bot deployment.
type Instance struct {
	ID         string
	Name       string
	StateFile  string
	Running    bool
	Components map[versions.Component]ComponentSpec
}

// Registry resolves instances and their run state.
type Registry struct {
	instances map[string]*Instance
	order     []string
}

// NewRegistry builds the registry from configuration.
func NewRegistry(instances []config.InstanceConfig) (*Registry, error) {
	r := &Registry{instances: make(map[string]*Instance, len(instances))}
	for _, ic := range instances {
		if _, dup := r.instances[ic.ID]; dup {
			return nil, fmt.Errorf("%w: %s", config.ErrDuplicateInstance, ic.ID)
		}
		inst := &Instance{
			ID:         ic.ID,
			Name:       ic.Name,
			StateFile:  ic.StateFile,
			Running:    ic.Running,
			Components: make(map[versions.Component]ComponentSpec, len(ic.Components)),
		}
		for name, cc := range ic.Components {
			comp, err := versions.ParseComponent(name)
			if err != nil {
				return nil, fmt.Errorf("instance %s: %w", ic.ID, err)
			}
			inst.Components[comp] = ComponentSpec{
				Component:     comp,
				InstallDir:    cc.InstallDir,
				Repository:    cc.Repository,
				Branch:        cc.GetBranch(),
				AssetPattern:  cc.AssetPattern,
				PublicKeyFile: cc.PublicKeyFile,
			}
		}
		r.instances[ic.ID] = inst
		r.order = append(r.order, ic.ID)
	}
	return r, nil
}

// IDs returns instance ids in configuration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// Instance returns the instance or an error wrapping versions.ErrNotFound.
func (r *Registry) Instance(id string) (*Instance, error) {
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %q: %w", id, versions.ErrNotFound)
	}
	return inst, nil
}

// InstanceState implements orchestrator.InstanceRegistry.
func (r *Registry) InstanceState(_ context.Context, id string) (orchestrator.InstanceState, error) {
	inst, err := r.Instance(id)
	if err != nil {
		return orchestrator.InstanceUnknown, err
	}
	running, err := inst.IsRunning()
	if err != nil {
		return orchestrator.InstanceUnknown, err
	}
	if running {
		return orchestrator.InstanceRunning, nil
	}
	return orchestrator.InstanceStopped, nil
}

// RepositoryFor returns the repository of the first instance that configures
// one for the component.
func (r *Registry) RepositoryFor(comp versions.Component) (string, error) {
	for _, id := range r.order {
		if spec, ok := r.instances[id].Components[comp]; ok && spec.Repository != "" {
			return spec.Repository, nil
		}
	}
	return "", fmt.Errorf("no repository configured for %s: %w", comp, versions.ErrNotFound)
}

// IsRunning reads the state file when one is configured. A missing state
// file means stopped.
func (i *Instance) IsRunning() (bool, error) {
	if i.StateFile == "" {
		return i.Running, nil
	}
	raw, err := os.ReadFile(i.StateFile)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read state file for %s: %w", i.ID, err)
	}
	return strings.EqualFold(strings.TrimSpace(string(raw)), "running"), nil
}

// Component returns the spec, or an error wrapping ErrComponentNotInstalled
// when the instance does not configure it.
func (i *Instance) Component(comp versions.Component) (ComponentSpec, error) {
	spec, ok := i.Components[comp]
	if !ok {
		return ComponentSpec{}, fmt.Errorf("%s on %s: %w", comp, i.ID, versions.ErrComponentNotInstalled)
	}
	return spec, nil
}

// ReadFootprint reports what is installed in dir. A missing dir is not
// installed; a dir without a footprint is installed at an unknown version.
func ReadFootprint(dir string) (Footprint, bool, error) {
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return Footprint{}, false, nil
	}
	if err != nil {
		return Footprint{}, false, fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return Footprint{}, false, fmt.Errorf("%s is not a directory", dir)
	}
	raw, err := os.ReadFile(filepath.Join(dir, FootprintFile))
	if errors.Is(err, os.ErrNotExist) {
		return Footprint{}, true, nil
	}
	if err != nil {
		return Footprint{}, true, fmt.Errorf("failed to read footprint: %w", err)
	}
	var fp Footprint
	if err := json.Unmarshal(raw, &fp); err != nil {
		return Footprint{}, true, fmt.Errorf("invalid footprint in %s: %w", dir, err)
	}
	return fp, true, nil
}

// WriteFootprint records fp in dir.
func WriteFootprint(dir string, fp Footprint) error {
	raw, err := json.MarshalIndent(fp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode footprint: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FootprintFile), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write footprint: %w", err)
	}
	return nil
}
