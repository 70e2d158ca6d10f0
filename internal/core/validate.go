package core

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	pluginIDPattern    = regexp.MustCompile(`^[a-z][a-z0-9_]+$`)
	serviceNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*\.[A-Z][A-Za-z0-9]*$`)

	ErrInvalidPlugin = errors.New("invalid plugin")
)

// ValidatePlugins checks plugin ids and declared service names at startup.
func ValidatePlugins(plugins []Plugin) error {
	seen := make(map[string]bool)
	for _, plugin := range plugins {
		id := plugin.ID()
		manifest := plugin.Manifest()
		switch {
		case id == "":
			return fmt.Errorf("%w: plugin id is empty", ErrInvalidPlugin)
		case !pluginIDPattern.MatchString(id):
			return fmt.Errorf("%w: plugin id %q does not match %s", ErrInvalidPlugin, id, pluginIDPattern)
		case manifest.PluginID != id:
			return fmt.Errorf("%w: id=%q manifest=%q", ErrInvalidPlugin, id, manifest.PluginID)
		case seen[id]:
			return fmt.Errorf("%w: duplicate plugin id %s", ErrInvalidPlugin, id)
		}
		for _, svc := range manifest.Services {
			if !serviceNamePattern.MatchString(svc) {
				return fmt.Errorf("%w: %s declares bad service name %q", ErrInvalidPlugin, id, svc)
			}
		}
		seen[id] = true
	}
	return nil
}
