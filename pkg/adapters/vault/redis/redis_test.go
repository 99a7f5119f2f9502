package redis

import (
	"testing"

	"github.com/aescanero/cannoli/pkg/ports"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var _ ports.Vault = (*Vault)(nil)

func TestVault_Keys(t *testing.T) {
	v := NewVault(nil, "", zap.NewNop())

	assert.Equal(t, "cannoli:vault:default:note:Ideas", v.noteKey("Ideas"))
	assert.Equal(t, "cannoli:vault:default:props:Ideas", v.propertiesKey("Ideas"))

	v = NewVault(nil, "team", zap.NewNop())
	assert.Equal(t, "cannoli:vault:team:folders", v.key("folders"))
}
