// Package pidfile maintains the advisory per-subscription PID file: the
// event supervisor records each listener's subscription UUID on start and
// forgets it on Stop. Nothing in the agent reads the file back to clean up
// broker queues.
// Ported from the original implementation's YAML map of
// {object_type: subscription_uuid}, stored at a single well-known path.
package pidfile

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/waldur/site-agent/internal/model"
)

// DefaultPath is the conventional location for the agent's PID file.
const DefaultPath = "/var/run/waldur_site_agent.pid"

// File is a process-wide lock guarding non-atomic reads/writes to one
// on-disk YAML map of {object_type: subscription_uuid}.
type File struct {
	mu   sync.Mutex
	path string
}

// New constructs a File at path. Pass "" to use DefaultPath.
func New(path string) *File {
	if path == "" {
		path = DefaultPath
	}
	return &File{path: path}
}

func (f *File) read() (map[model.EventObjectType]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[model.EventObjectType]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pidfile: read %s: %w", f.path, err)
	}
	entries := map[model.EventObjectType]string{}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("pidfile: decode %s: %w", f.path, err)
	}
	return entries, nil
}

func (f *File) write(entries map[model.EventObjectType]string) error {
	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("pidfile: encode: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("pidfile: write %s: %w", f.path, err)
	}
	return nil
}

// Record adds or updates one object type's subscription UUID.
func (f *File) Record(objectType model.EventObjectType, subscriptionUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.read()
	if err != nil {
		return err
	}
	entries[objectType] = subscriptionUUID
	return f.write(entries)
}

// Forget removes one object type's entry, called on graceful shutdown.
func (f *File) Forget(objectType model.EventObjectType) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.read()
	if err != nil {
		return err
	}
	delete(entries, objectType)
	return f.write(entries)
}

// All returns every recorded (object type, subscription UUID) pair,
// used at startup to recover subscriptions left open by a prior crash.
func (f *File) All() (map[model.EventObjectType]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

// Clear removes the pid file entirely.
func (f *File) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pidfile: remove %s: %w", f.path, err)
	}
	return nil
}
