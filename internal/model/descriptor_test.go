package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPod() PodRecord {
	return PodRecord{
		ID:   "pod-123",
		Name: "trainer",
		SSH: Endpoint{
			Alias:    "trainer",
			Hostname: "203.0.113.7",
			Port:     40022,
			User:     "root",
		},
	}
}

func TestNewPodDescriptor(t *testing.T) {
	d, err := NewPodDescriptor(testPod(), "rp-key", "~/.ssh/id_pod_sync")
	require.NoError(t, err)

	assert.Equal(t, "pod-123", d.PodID)
	assert.Equal(t, "203.0.113.7", d.PublicIP)
	assert.Equal(t, 40022, d.SSHPort)
	assert.Equal(t, "root", d.User)

	ep := d.Endpoint()
	assert.Equal(t, "203.0.113.7:40022", ep.Address())
	assert.Equal(t, "~/.ssh/id_pod_sync", ep.IdentityFile)
}

func TestNewPodDescriptor_MissingAPIKey(t *testing.T) {
	_, err := NewPodDescriptor(testPod(), "", "~/.ssh/id_pod_sync")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "APIKey")
}

func TestPodDescriptor_WriteAndLoad(t *testing.T) {
	d, err := NewPodDescriptor(testPod(), "rp-key", "/root/.ssh/id_pod_sync")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "pod_info.json")
	require.NoError(t, d.WriteFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadPodDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, d, loaded)
}

func TestLoadPodDescriptor_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pod_info.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pod_id": "x"}`), 0600))

	_, err := LoadPodDescriptor(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = LoadPodDescriptor(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read pod descriptor")
}
