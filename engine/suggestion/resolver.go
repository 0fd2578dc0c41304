package suggestion

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTemplateNotFound indicates an unregistered template name or version.
var ErrTemplateNotFound = errors.New("suggestion: template not found")

// StaticResolver serves prompt templates from an in-memory registry. The
// domain layer may swap in its own Resolver; this one covers deployments
// where templates ship with the service.
type StaticResolver struct {
	mu        sync.RWMutex
	templates map[string]map[string]string
	latest    map[string]string
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		templates: make(map[string]map[string]string),
		latest:    make(map[string]string),
	}
}

// Register adds or replaces a template version. The most recently registered
// version becomes the default for lookups with an empty version.
func (r *StaticResolver) Register(name, version, template string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.templates[name]
	if !ok {
		versions = make(map[string]string)
		r.templates[name] = versions
	}
	versions[version] = template
	r.latest[name] = version
}

// Resolve returns the template body. An empty version resolves to the latest
// registered version of the name.
func (r *StaticResolver) Resolve(name, version string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	if version == "" {
		version = r.latest[name]
	}
	template, ok := versions[version]
	if !ok {
		return "", fmt.Errorf("%w: %s@%s", ErrTemplateNotFound, name, version)
	}
	return template, nil
}
