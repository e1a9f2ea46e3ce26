package directory_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/fanout-dispatch/internal/directory"
	"github.com/notifyhub/fanout-dispatch/internal/domain"
)

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recipients.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSeedFile_SeedsMemoryDirectory(t *testing.T) {
	path := writeSeed(t, `[
		{"tenant_id": "acme", "id": "u1", "phone": "+100", "phone_confirmed": true},
		{"id": "u2", "email": "u2@example.com"}
	]`)

	recipients, err := directory.LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, recipients, 2)

	dir := directory.NewMemoryDirectory()
	require.NoError(t, directory.Seed(context.Background(), dir, recipients))

	contact, err := dir.Resolve(context.Background(), "acme", "u1", domain.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, "+100", contact.Address)

	_, err = dir.Resolve(context.Background(), "", "u2", domain.ChannelEmail)
	assert.ErrorIs(t, err, domain.ErrContactUnconfirmed)
}

func TestLoadSeedFile_Errors(t *testing.T) {
	_, err := directory.LoadSeedFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = directory.LoadSeedFile(writeSeed(t, `{"id": "not-an-array"}`))
	assert.Error(t, err)

	_, err = directory.LoadSeedFile(writeSeed(t, `[{"tenant_id": "acme"}]`))
	assert.ErrorContains(t, err, "has no id")
}
