package ports

import (
	"context"
	"errors"
)

// ErrNoteNotFound is returned by a Vault when a note does not exist.
var ErrNoteNotFound = errors.New("note not found")

// Vault is the note store that Reference nodes and note references read and write.
type Vault interface {
	ReadNote(ctx context.Context, name string) (string, error)
	WriteNote(ctx context.Context, name, content string) error
	ReadProperty(ctx context.Context, note, property string) (string, error)
	WriteProperty(ctx context.Context, note, property, value string) error
	CreateNote(ctx context.Context, name, content string) error
	CreateFolder(ctx context.Context, path string) error
	MoveNote(ctx context.Context, name, folder string) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
}
