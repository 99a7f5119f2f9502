package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aescanero/cannoli/pkg/ports"
)

// Vault implements ports.Vault in memory.
type Vault struct {
	mu         sync.RWMutex
	notes      map[string]string
	properties map[string]map[string]string
	folders    map[string]bool
	location   map[string]string
	files      map[string][]byte
}

// NewVault creates a vault holding a copy of notes.
func NewVault(notes map[string]string) *Vault {
	v := &Vault{
		notes:      make(map[string]string, len(notes)),
		properties: make(map[string]map[string]string),
		folders:    make(map[string]bool),
		location:   make(map[string]string),
		files:      make(map[string][]byte),
	}
	for name, content := range notes {
		v.notes[name] = content
	}
	return v
}

// AddFile stores a non-note file readable through ReadFile.
func (v *Vault) AddFile(path string, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.files[path] = append([]byte(nil), data...)
}

func (v *Vault) ReadNote(ctx context.Context, name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	content, ok := v.notes[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ports.ErrNoteNotFound, name)
	}
	return content, nil
}

func (v *Vault) WriteNote(ctx context.Context, name, content string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.notes[name] = content
	return nil
}

// ReadProperty returns an empty value for a property the note does not carry.
func (v *Vault) ReadProperty(ctx context.Context, note, property string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if _, ok := v.notes[note]; !ok {
		return "", fmt.Errorf("%w: %s", ports.ErrNoteNotFound, note)
	}
	return v.properties[note][property], nil
}

// WriteProperty sets a property, creating an empty note when needed.
func (v *Vault) WriteProperty(ctx context.Context, note, property, value string) error {
	if strings.TrimSpace(property) == "" {
		return fmt.Errorf("property name is required for note %q", note)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.notes[note]; !ok {
		v.notes[note] = ""
	}
	if v.properties[note] == nil {
		v.properties[note] = make(map[string]string)
	}
	v.properties[note][property] = value
	return nil
}

// CreateNote creates a note unless one with the same name exists.
func (v *Vault) CreateNote(ctx context.Context, name, content string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("note name is required")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.notes[name]; !ok {
		v.notes[name] = content
	}
	return nil
}

func (v *Vault) CreateFolder(ctx context.Context, path string) error {
	path = strings.Trim(path, "/ ")
	if path == "" {
		return fmt.Errorf("folder path is required")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	v.folders[path] = true
	return nil
}

func (v *Vault) MoveNote(ctx context.Context, name, folder string) error {
	folder = strings.Trim(folder, "/ ")
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.notes[name]; !ok {
		return fmt.Errorf("%w: %s", ports.ErrNoteNotFound, name)
	}
	if !v.folders[folder] {
		return fmt.Errorf("folder %q does not exist", folder)
	}
	v.location[name] = folder
	return nil
}

// ReadFile reads a stored file, falling back to a note of the same name.
func (v *Vault) ReadFile(ctx context.Context, path string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if data, ok := v.files[path]; ok {
		return append([]byte(nil), data...), nil
	}
	if content, ok := v.notes[path]; ok {
		return []byte(content), nil
	}
	return nil, fmt.Errorf("%w: %s", ports.ErrNoteNotFound, path)
}

// Folder returns the folder a note was moved into.
func (v *Vault) Folder(name string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.location[name]
}

// Notes returns the note names in order.
func (v *Vault) Notes() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	names := make([]string, 0, len(v.notes))
	for name := range v.notes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
