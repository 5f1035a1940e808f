package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/ampctl/internal/identity"
)

func TestHostPort(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10.0.0.5", "10.0.0.5:22"},
		{"10.0.0.5:2222", "10.0.0.5:2222"},
		{"::1", "[::1]:22"},
		{"fe80::1", "[fe80::1]:22"},
		{"[::1]:2222", "[::1]:2222"},
		{"amp-42.lab", "amp-42.lab:22"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hostPort(tt.in), tt.in)
	}
}

func TestRecordMappings(t *testing.T) {
	resolver, err := identity.NewFileResolver(filepath.Join(t.TempDir(), "mapping.json"))
	require.NoError(t, err)

	require.NoError(t, recordMappings("aa:bb:cc:dd:ee:01=10.0.0.5, aabbccddee02=10.0.0.6", resolver))

	id, err := resolver.ByMAC("aabbccddee01")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", id.Addr)
	id, err = resolver.ByMAC("aabbccddee02")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.6", id.Addr)

	assert.Error(t, recordMappings("no-equals-sign", resolver))
	assert.Error(t, recordMappings("=10.0.0.9", resolver))

	// Empty flag is a no-op.
	assert.NoError(t, recordMappings("", resolver))
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList(" a, b ,"))
}
