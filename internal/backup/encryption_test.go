package backup

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeyFileEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	keyFile := filepath.Join(t.TempDir(), "recovery.key")
	require.NoError(t, GenerateKeyFile(keyFile, false))
	e, err := NewEncryptor(EncryptionSettings{Enabled: true, KeyFile: keyFile})
	require.NoError(t, err)
	return e
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func TestEncryptor_RoundTrip(t *testing.T) {
	encryptors := map[string]*Encryptor{
		"key file":   newKeyFileEncryptor(t),
		"passphrase": NewPassphraseEncryptor("correct horse battery staple"),
	}
	sizes := []int{0, 1, encryptionChunkSize - 1, encryptionChunkSize, encryptionChunkSize + 1, 3*encryptionChunkSize + 17}

	for name, e := range encryptors {
		for _, size := range sizes {
			plain := randomBytes(t, size)

			var sealed bytes.Buffer
			n, err := e.Encrypt(&sealed, bytes.NewReader(plain))
			require.NoError(t, err, "%s/%d", name, size)
			assert.Equal(t, int64(size), n)
			assert.Greater(t, sealed.Len(), size)

			var opened bytes.Buffer
			require.NoError(t, e.Decrypt(&opened, bytes.NewReader(sealed.Bytes())), "%s/%d", name, size)
			assert.True(t, bytes.Equal(plain, opened.Bytes()), "%s/%d", name, size)
		}
	}
}

func TestEncryptor_SaltDiffersPerArtifact(t *testing.T) {
	e := NewPassphraseEncryptor("secret")
	var a, b bytes.Buffer
	_, err := e.Encrypt(&a, strings.NewReader("same pages"))
	require.NoError(t, err)
	_, err = e.Encrypt(&b, strings.NewReader("same pages"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Bytes(), b.Bytes())
}

func TestEncryptor_DecryptFailures(t *testing.T) {
	e := NewPassphraseEncryptor("secret")
	var sealed bytes.Buffer
	_, err := e.Encrypt(&sealed, bytes.NewReader(randomBytes(t, encryptionChunkSize+100)))
	require.NoError(t, err)
	data := sealed.Bytes()

	tampered := append([]byte(nil), data...)
	tampered[headerSize+10] ^= 0xff

	// dropping the final chunk leaves a stream that ends after a non-final chunk
	firstChunk := headerSize + 5 + encryptionChunkSize + 16

	tests := []struct {
		name      string
		encryptor *Encryptor
		input     []byte
	}{
		{"wrong passphrase", NewPassphraseEncryptor("guess"), data},
		{"tampered chunk", e, tampered},
		{"truncated header", e, data[:headerSize-1]},
		{"missing final chunk", e, data[:firstChunk]},
		{"truncated chunk", e, data[:len(data)-3]},
		{"trailing data", e, append(append([]byte(nil), data...), 0x00)},
		{"not encrypted", e, []byte(strings.Repeat("plain backup ", 10))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.encryptor.Decrypt(&bytes.Buffer{}, bytes.NewReader(tt.input))
			require.Error(t, err)
			assert.True(t, IsDecryptionFailure(err), err)
			assert.Equal(t, BackupErrorTypeEncryption, ErrorTypeOf(err))
		})
	}
}

func TestEncryptor_KeyModeMismatch(t *testing.T) {
	withKey := newKeyFileEncryptor(t)
	withPassphrase := NewPassphraseEncryptor("secret")

	var sealed bytes.Buffer
	_, err := withKey.Encrypt(&sealed, strings.NewReader("pages"))
	require.NoError(t, err)

	err = withPassphrase.Decrypt(&bytes.Buffer{}, bytes.NewReader(sealed.Bytes()))
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeConfiguration, ErrorTypeOf(err))
	assert.False(t, IsDecryptionFailure(err))
}

func TestEncryptor_Files(t *testing.T) {
	dir := t.TempDir()
	src := writeArtifact(t, dir, "Sales_full.bak.gz")
	e := newKeyFileEncryptor(t)

	stats, err := e.EncryptFile(src, src+EncryptedExtension)
	require.NoError(t, err)
	assert.Equal(t, "AES-256-GCM", stats.Algorithm)
	assert.Equal(t, "key-file", stats.KeyDerivation)
	assert.Equal(t, int64(len("artifact Sales_full.bak.gz")), stats.OriginalSize)
	assert.Greater(t, stats.EncryptedSize, stats.OriginalSize)

	out := filepath.Join(dir, "restored.bak.gz")
	require.NoError(t, e.DecryptFile(src+EncryptedExtension, out))
	original, _ := os.ReadFile(src)
	restored, _ := os.ReadFile(out)
	assert.Equal(t, original, restored)

	failed := filepath.Join(dir, "failed.bak.gz")
	err = NewPassphraseEncryptor("secret").DecryptFile(src+EncryptedExtension, failed)
	require.Error(t, err)
	assert.NoFileExists(t, failed)
}

func TestKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "recovery.key")

	require.NoError(t, GenerateKeyFile(path, false))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	key, err := LoadKeyFile(path)
	require.NoError(t, err)
	assert.Len(t, key, encryptionKeySize)

	err = GenerateKeyFile(path, false)
	assert.Equal(t, BackupErrorTypeValidation, ErrorTypeOf(err))
	require.NoError(t, GenerateKeyFile(path, true))
	replaced, err := LoadKeyFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, key, replaced)

	raw := filepath.Join(dir, "raw.key")
	require.NoError(t, os.WriteFile(raw, randomBytes(t, encryptionKeySize), 0600))
	_, err = LoadKeyFile(raw)
	assert.NoError(t, err)

	short := filepath.Join(dir, "short.key")
	require.NoError(t, os.WriteFile(short, []byte("abcd\n"), 0600))
	_, err = LoadKeyFile(short)
	assert.Equal(t, BackupErrorTypeConfiguration, ErrorTypeOf(err))

	_, err = LoadKeyFile(filepath.Join(dir, "missing.key"))
	assert.Equal(t, BackupErrorTypeConfiguration, ErrorTypeOf(err))
}

func TestEncryptionSettings_Validate(t *testing.T) {
	tests := []struct {
		name     string
		settings EncryptionSettings
		valid    bool
	}{
		{"disabled", EncryptionSettings{}, true},
		{"key file", EncryptionSettings{Enabled: true, KeyFile: "/etc/recovery.key"}, true},
		{"passphrase", EncryptionSettings{Enabled: true, Passphrase: "secret"}, true},
		{"no key material", EncryptionSettings{Enabled: true}, false},
		{"both", EncryptionSettings{Enabled: true, KeyFile: "/etc/recovery.key", Passphrase: "secret"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.settings.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			var errs ValidationErrors
			require.True(t, errors.As(err, &errs))
			assert.Equal(t, "encryption", errs[0].Field)
		})
	}
}

func TestArtifactBase(t *testing.T) {
	tests := map[string]string{
		"/b/Sales_full.bak":         "/b/Sales_full.bak",
		"/b/Sales_full.bak.gz":      "/b/Sales_full.bak",
		"/b/Sales_full.bak.zst.enc": "/b/Sales_full.bak",
		"/b/Sales_log.trn.ENC":      "/b/Sales_log.trn",
		"Sales/Sales_diff.bak.lz4":  "Sales/Sales_diff.bak",
	}
	for in, want := range tests {
		assert.Equal(t, want, ArtifactBase(in), in)
	}
	assert.True(t, IsEncrypted("x.bak.enc"))
	assert.False(t, IsEncrypted("x.bak.gz"))
}

func TestPipeline_EncryptsBeforeShipping(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)
	server := newFakeServer("Sales")
	path := filepath.Join(t.TempDir(), "Sales_full.bak")
	encryptor := NewPassphraseEncryptor("secret")

	op, err := NewFullBackup("Sales", path)
	require.NoError(t, err)
	result, err := NewPipeline(
		WithCompression(CompressionSettings{Enabled: true, Algorithm: CompressionTypeZstd}),
		WithEncryption(encryptor),
		WithStore(store),
	).Run(ctx, server, op)
	require.NoError(t, err)

	assert.Equal(t, path+".zst"+EncryptedExtension, result.EncryptedPath)
	require.NotNil(t, result.Encryption)
	assert.Equal(t, "pbkdf2-sha256", result.Encryption.KeyDerivation)

	keys, err := store.List(ctx, "Sales/")
	require.NoError(t, err)
	assert.Equal(t, []string{"Sales/Sales_full.bak.zst.enc", "Sales/Sales_full.meta.json"}, keys)

	s := NewStager(store, nil, t.TempDir(), nil)
	_, cleanup, err := s.Stage(ctx, StoreRefScheme+"Sales/Sales_full.bak.zst.enc")
	require.Error(t, err)
	assert.Equal(t, BackupErrorTypeConfiguration, ErrorTypeOf(err))
	cleanup()

	s.SetEncryptor(encryptor)
	staged, cleanup, err := s.Stage(ctx, StoreRefScheme+"Sales/Sales_full.bak.zst.enc")
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, "Sales_full.bak", filepath.Base(staged))
	original, _ := os.ReadFile(path)
	restored, _ := os.ReadFile(staged)
	assert.Equal(t, original, restored)

	meta, err := NewMetadataRecorder().Read(staged)
	require.NoError(t, err)
	assert.Equal(t, ArtifactFull, meta.ArtifactType())
}

func TestStager_LocalEncrypted(t *testing.T) {
	dir := t.TempDir()
	src := writeArtifact(t, dir, "Sales_log_0100.trn")
	e := newKeyFileEncryptor(t)
	_, err := e.EncryptFile(src, src+EncryptedExtension)
	require.NoError(t, err)

	s := NewStager(nil, nil, t.TempDir(), nil)
	s.SetEncryptor(e)
	staged, cleanup, err := s.Stage(context.Background(), src+EncryptedExtension)
	require.NoError(t, err)
	defer cleanup()

	assert.NotEqual(t, src, staged)
	restored, _ := os.ReadFile(staged)
	assert.Equal(t, "artifact Sales_log_0100.trn", string(restored))
	assert.FileExists(t, src+EncryptedExtension)
}
