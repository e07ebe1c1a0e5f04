// Package supervisor is the process coordinator: it launches every service
// of the stack as a child process, restarts crashed services with a retry
// cap, and exposes a control RPC for status, start/stop/restart and the
// master restart used by the failure detector.
package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
)

// ServiceSpec declares one managed service. Specs come from a JSON file so
// operations can reorder, disable, or retune services without a rebuild.
type ServiceSpec struct {
	// Name is the canonical service name; it is also the argument passed
	// to the binary, so `recio <name>` must resolve to a runnable service.
	Name string `json:"name"`
	// Command overrides the default `<binary> <name>` invocation. The first
	// element is the executable.
	Command []string `json:"command,omitempty"`
	// Cwd is the child's working directory; empty inherits the coordinator's.
	Cwd string `json:"cwd,omitempty"`
	// Env lists extra KEY=VALUE pairs appended to the inherited environment.
	Env []string `json:"env,omitempty"`
	// DependsOn lists services that must be running before this one starts.
	DependsOn []string `json:"depends_on,omitempty"`
	// Autostart services launch with the stack; others wait for an explicit
	// start over the RPC. Defaults to true.
	Autostart bool `json:"autostart"`
	// Autorestart re-launches the service after an unclean exit. Defaults to
	// true.
	Autorestart bool `json:"autorestart"`
	// StartRetries caps restarts before the service goes FATAL.
	StartRetries int `json:"startretries"`
	// StopAsGroup/KillAsGroup signal the whole process group on SIGTERM and
	// SIGKILL respectively, so a service's children do not orphan. Both
	// default to true.
	StopAsGroup bool `json:"stopasgroup"`
	KillAsGroup bool `json:"killasgroup"`
	// LogFile overrides the default <log_dir>/<name>.log. Relative paths are
	// resolved against the log dir.
	LogFile string `json:"logfile,omitempty"`
	// Port, when non-zero, must be bound before the service counts as
	// ready.
	Port int `json:"port,omitempty"`
	// Critical marks services whose failure endangers open positions.
	Critical bool `json:"critical,omitempty"`
	// Disabled specs are loaded but never started.
	Disabled bool `json:"disabled,omitempty"`
}

// UnmarshalJSON applies the spec defaults (autostart, autorestart and group
// signaling all on) before decoding, so omitting a field keeps the safe
// behavior rather than zeroing it.
func (s *ServiceSpec) UnmarshalJSON(data []byte) error {
	type plain ServiceSpec
	tmp := plain{
		Autostart:   true,
		Autorestart: true,
		StopAsGroup: true,
		KillAsGroup: true,
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*s = ServiceSpec(tmp)
	return nil
}

type specFile struct {
	Services []ServiceSpec `json:"services"`
}

// LoadSpecs reads the service list and validates the dependency graph.
func LoadSpecs(path string) ([]ServiceSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services file: %w", err)
	}

	var file specFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse services file %s: %w", path, err)
	}

	byName := make(map[string]bool, len(file.Services))
	for _, spec := range file.Services {
		if spec.Name == "" {
			return nil, fmt.Errorf("service with empty name in %s", path)
		}
		if byName[spec.Name] {
			return nil, fmt.Errorf("duplicate service %q", spec.Name)
		}
		byName[spec.Name] = true
	}
	for _, spec := range file.Services {
		for _, dep := range spec.DependsOn {
			if !byName[dep] {
				return nil, fmt.Errorf("service %q depends on unknown %q", spec.Name, dep)
			}
		}
	}

	if _, err := StartOrder(file.Services); err != nil {
		return nil, err
	}
	return file.Services, nil
}

// StartOrder returns the services sorted so every dependency starts before
// its dependents. Cycles are a configuration error.
func StartOrder(specs []ServiceSpec) ([]ServiceSpec, error) {
	byName := make(map[string]ServiceSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(specs))
	ordered := make([]ServiceSpec, 0, len(specs))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle through %q", name)
		}
		state[name] = visiting
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		ordered = append(ordered, byName[name])
		return nil
	}

	for _, s := range specs {
		if err := visit(s.Name); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
