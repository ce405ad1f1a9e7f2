package trust

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/podlab/internal/model"
)

func ep(alias string, port int) model.Endpoint {
	return model.Endpoint{Alias: alias, Hostname: "10.0.0.5", Port: port, User: "root", IdentityFile: "~/.ssh/id_ed25519"}
}

func TestStore_AddLookupRemove(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "podlab", "hosts.yaml"))

	require.NoError(t, s.Add(ep("web", 2222)))
	require.NoError(t, s.Add(ep("db", 2223)))

	got, err := s.Lookup("web")
	require.NoError(t, err)
	assert.Equal(t, ep("web", 2222), got)

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "db", all[0].Alias)

	require.NoError(t, s.Remove(ep("web", 2222)))
	_, err = s.Lookup("web")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AddDuplicate(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "hosts.yaml"))
	require.NoError(t, s.Add(ep("web", 2222)))

	err := s.Add(ep("web", 2299))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestStore_AddInvalid(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "hosts.yaml"))
	err := s.Add(model.Endpoint{Alias: "broken"})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestStore_RemoveMissing(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "hosts.yaml"))
	err := s.Remove(ep("ghost", 22))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	require.NoError(t, Open(path).Add(ep("web", 2222)))

	got, err := Open(path).Lookup("web")
	require.NoError(t, err)
	assert.Equal(t, 2222, got.Port)
}

func TestDefaultPath_UsesXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	p, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/xdg/podlab/hosts.yaml", p)
}
