package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapperName(t *testing.T) {
	assert.Equal(t, "vault_1", MapperName("vault", "1", RoleData))
	assert.Equal(t, "parity_vault_1", MapperName("vault", "1", RoleParity))
}

func TestMapperPartitionPath(t *testing.T) {
	assert.Equal(t, "/dev/mapper/vault_1p1", MapperPartitionPath("vault_1"))
}

func TestMapperNamePatternMatchesOnlyExactPool(t *testing.T) {
	pattern := mapperNamePattern("enc")
	assert.True(t, pattern.MatchString("enc_1"))
	assert.True(t, pattern.MatchString("enc_1p1"))
	assert.True(t, pattern.MatchString("parity_enc_2"))
	assert.True(t, pattern.MatchString("parity_enc_2p1"))
	assert.False(t, pattern.MatchString("encrypted_1"))
	assert.False(t, pattern.MatchString("enc_1_backup"))
}

func TestNormalizePassphraseTrimsCRLF(t *testing.T) {
	assert.Equal(t, "secret", normalizePassphrase("secret\r\n"))
	assert.Equal(t, "secret", normalizePassphrase("secret\n"))
	assert.Equal(t, "secret", normalizePassphrase("secret"))
}

func TestEnsureKeyfileUsesExistingFileAuthoritatively(t *testing.T) {
	dir := t.TempDir()
	keyfile := filepath.Join(dir, "pool.key")
	require.NoError(t, os.WriteFile(keyfile, []byte("from-disk\n"), 0o600))

	got, err := EnsureKeyfile(keyfile, "ignored-passphrase", false)
	require.NoError(t, err)
	assert.Equal(t, "from-disk", got)
}

func TestEnsureKeyfileGeneratesWhenRequested(t *testing.T) {
	dir := t.TempDir()
	keyfile := filepath.Join(dir, "pool.key")

	got, err := EnsureKeyfile(keyfile, "", true)
	require.NoError(t, err)
	assert.Len(t, got, 32)

	stat, err := os.Stat(keyfile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), stat.Mode().Perm())
}

func TestEnsureKeyfileRequiresPassphraseWithoutCreate(t *testing.T) {
	dir := t.TempDir()
	keyfile := filepath.Join(dir, "pool.key")

	_, err := EnsureKeyfile(keyfile, "", false)
	assert.Error(t, err)
}
