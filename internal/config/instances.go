package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// InstancesFile is the name of the catalog file read from the config
// directory.
const InstancesFile = "instances.toml"

//go:embed instances.toml
var builtinInstances string

// ErrUnknownInstance is returned when the configured instance is not in the
// catalog.
var ErrUnknownInstance = errors.New("unknown instance")

// Instance is one remote deployment.
type Instance struct {
	Name    string `toml:"-" yaml:"name"`
	RESTURL string `toml:"rest_url" yaml:"rest_url"`
	PushURL string `toml:"push_url" yaml:"push_url,omitempty"`
}

type catalogFile struct {
	Instance map[string]Instance `toml:"instance"`
}

// Catalog maps instance names to deployments.
type Catalog map[string]Instance

// BuiltinCatalog returns the embedded catalog.
func BuiltinCatalog() Catalog {
	c, err := parseCatalog(builtinInstances)
	if err != nil {
		panic(fmt.Sprintf("config: bad embedded %s: %v", InstancesFile, err))
	}
	return c
}

func parseCatalog(data string) (Catalog, error) {
	var f catalogFile
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, err
	}
	return normalize(f.Instance)
}

func normalize(in map[string]Instance) (Catalog, error) {
	out := make(Catalog, len(in))
	for name, inst := range in {
		name = strings.ToLower(strings.TrimSpace(name))
		if inst.RESTURL == "" {
			return nil, fmt.Errorf("instance %q: rest_url is required", name)
		}
		inst.Name = name
		out[name] = inst
	}
	return out, nil
}

// LoadCatalog returns the embedded catalog overlaid with the entries of
// path. A missing file is not an error.
func LoadCatalog(path string) (Catalog, error) {
	c := BuiltinCatalog()
	if path == "" {
		return c, nil
	}
	var f catalogFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	extra, err := normalize(f.Instance)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	for name, inst := range extra {
		c[name] = inst
	}
	return c, nil
}

// Lookup finds an instance by name, case-insensitively.
func (c Catalog) Lookup(name string) (Instance, error) {
	inst, ok := c[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Instance{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownInstance, name, strings.Join(c.Names(), ", "))
	}
	return inst, nil
}

// Names returns the sorted instance names.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
