package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aescanero/cannoli/pkg/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Vault implements ports.Vault on Redis. Notes are strings, properties are
// hashes, folders are members of a set and note locations live in a hash.
type Vault struct {
	client    *redis.Client
	logger    *zap.Logger
	namespace string
}

// NewVault creates a vault whose keys live under cannoli:vault:<namespace>.
func NewVault(client *redis.Client, namespace string, logger *zap.Logger) *Vault {
	if namespace == "" {
		namespace = "default"
	}
	return &Vault{client: client, logger: logger, namespace: namespace}
}

func (v *Vault) ReadNote(ctx context.Context, name string) (string, error) {
	content, err := v.client.Get(ctx, v.noteKey(name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: %s", ports.ErrNoteNotFound, name)
		}
		return "", fmt.Errorf("failed to read note: %w", err)
	}
	return content, nil
}

func (v *Vault) WriteNote(ctx context.Context, name, content string) error {
	if err := v.client.Set(ctx, v.noteKey(name), content, 0).Err(); err != nil {
		return fmt.Errorf("failed to write note: %w", err)
	}
	v.logger.Debug("note written", zap.String("note", name), zap.Int("bytes", len(content)))
	return nil
}

func (v *Vault) ReadProperty(ctx context.Context, note, property string) (string, error) {
	if err := v.mustExist(ctx, note); err != nil {
		return "", err
	}
	value, err := v.client.HGet(ctx, v.propertiesKey(note), property).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read property: %w", err)
	}
	return value, nil
}

// WriteProperty sets a property, creating an empty note when needed.
func (v *Vault) WriteProperty(ctx context.Context, note, property, value string) error {
	if strings.TrimSpace(property) == "" {
		return fmt.Errorf("property name is required for note %q", note)
	}
	pipe := v.client.TxPipeline()
	pipe.SetNX(ctx, v.noteKey(note), "", 0)
	pipe.HSet(ctx, v.propertiesKey(note), property, value)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write property: %w", err)
	}
	return nil
}

// CreateNote creates a note unless one with the same name exists.
func (v *Vault) CreateNote(ctx context.Context, name, content string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("note name is required")
	}
	if err := v.client.SetNX(ctx, v.noteKey(name), content, 0).Err(); err != nil {
		return fmt.Errorf("failed to create note: %w", err)
	}
	return nil
}

func (v *Vault) CreateFolder(ctx context.Context, path string) error {
	path = strings.Trim(path, "/ ")
	if path == "" {
		return errors.New("folder path is required")
	}
	if err := v.client.SAdd(ctx, v.key("folders"), path).Err(); err != nil {
		return fmt.Errorf("failed to create folder: %w", err)
	}
	return nil
}

func (v *Vault) MoveNote(ctx context.Context, name, folder string) error {
	folder = strings.Trim(folder, "/ ")
	if err := v.mustExist(ctx, name); err != nil {
		return err
	}
	ok, err := v.client.SIsMember(ctx, v.key("folders"), folder).Result()
	if err != nil {
		return fmt.Errorf("failed to check folder: %w", err)
	}
	if !ok {
		return fmt.Errorf("folder %q does not exist", folder)
	}
	if err := v.client.HSet(ctx, v.key("location"), name, folder).Err(); err != nil {
		return fmt.Errorf("failed to move note: %w", err)
	}
	return nil
}

// ReadFile reads a stored file, falling back to a note of the same name.
func (v *Vault) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := v.client.Get(ctx, v.key("file:"+path)).Bytes()
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	content, err := v.ReadNote(ctx, path)
	if err != nil {
		return nil, err
	}
	return []byte(content), nil
}

func (v *Vault) mustExist(ctx context.Context, note string) error {
	n, err := v.client.Exists(ctx, v.noteKey(note)).Result()
	if err != nil {
		return fmt.Errorf("failed to check note: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ports.ErrNoteNotFound, note)
	}
	return nil
}

func (v *Vault) key(suffix string) string {
	return fmt.Sprintf("cannoli:vault:%s:%s", v.namespace, suffix)
}

func (v *Vault) noteKey(name string) string { return v.key("note:" + name) }

func (v *Vault) propertiesKey(name string) string { return v.key("props:" + name) }
