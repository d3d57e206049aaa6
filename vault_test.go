package strongroom

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/absfs/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	base, err := memfs.NewFS()
	require.NoError(t, err)

	v, err := New(&Config{
		FS:           base,
		ContainerDir: "/containers",
		StatePath:    filepath.Join(t.TempDir(), "state.db"),
		KDF:          testKDF,
	})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func setupTestVault(t *testing.T, password string) *Vault {
	t.Helper()
	v := newTestVault(t)
	require.NoError(t, v.Setup([]byte(password)))
	return v
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Config{})
	assert.Error(t, err)

	base, err := memfs.NewFS()
	require.NoError(t, err)
	_, err = New(&Config{FS: base, ContainerDir: "/c", StatePath: "/tmp/x", Cipher: CipherSuite(42)})
	assert.ErrorIs(t, err, ErrUnsupportedCipher)
}

func TestVault_SetupAndUnlock(t *testing.T) {
	v := newTestVault(t)

	initialized, err := v.Initialized()
	require.NoError(t, err)
	assert.False(t, initialized)

	require.NoError(t, v.Setup([]byte("hunter2")))
	assert.True(t, v.Unlocked(), "setup leaves the vault unlocked")
	assert.False(t, v.SessionStart().IsZero())

	initialized, err = v.Initialized()
	require.NoError(t, err)
	assert.True(t, initialized)

	assert.ErrorIs(t, v.Setup([]byte("other")), ErrVaultInitialized)

	v.Lock()
	assert.False(t, v.Unlocked())
	assert.True(t, v.SessionStart().IsZero())

	require.NoError(t, v.Unlock([]byte("hunter2")))
	assert.True(t, v.Unlocked())
}

func TestVault_UnlockWrongPassword(t *testing.T) {
	v := setupTestVault(t, "hunter2")
	v.Lock()

	verifierBefore, err := v.store.Verifier()
	require.NoError(t, err)
	dbKeyBefore, err := v.store.WrappedDatabaseKey()
	require.NoError(t, err)

	err = v.Unlock([]byte("wrong"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.False(t, v.Unlocked())

	// A failed unlock must not mutate any persistent state.
	verifierAfter, err := v.store.Verifier()
	require.NoError(t, err)
	assert.Equal(t, verifierBefore, verifierAfter)
	dbKeyAfter, err := v.store.WrappedDatabaseKey()
	require.NoError(t, err)
	assert.Equal(t, dbKeyBefore, dbKeyAfter)

	require.NoError(t, v.Unlock([]byte("hunter2")))
}

func TestVault_UnlockBeforeSetup(t *testing.T) {
	v := newTestVault(t)
	err := v.Unlock([]byte("pw"))
	assert.ErrorIs(t, err, ErrVaultNotInitialized)
}

func TestVault_PutOpenStat(t *testing.T) {
	v := setupTestVault(t, "hunter2")
	plaintext := randomBytes(t, 100*1024)

	container, err := v.Put("report.pdf", "application/pdf", bytes.NewReader(plaintext))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(container, ContainerExt))
	assert.NotContains(t, container, "report", "on-disk name must be opaque")

	md, err := v.Stat(container)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", md.Name)
	assert.Equal(t, "application/pdf", md.MIME)
	assert.WithinDuration(t, time.Now(), md.Modified, time.Minute)

	rc, md2, err := v.Open(container)
	require.NoError(t, err)
	assert.Equal(t, md.Name, md2.Name)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, plaintext, got)

	names, err := v.List()
	require.NoError(t, err)
	assert.Equal(t, []string{container}, names)
}

func TestVault_CiphertextOnDisk(t *testing.T) {
	v := setupTestVault(t, "hunter2")
	secret := []byte("extremely confidential contents of the file")

	container, err := v.Put("secret.txt", "text/plain", bytes.NewReader(secret))
	require.NoError(t, err)

	f, err := v.fs.Open("/containers/" + container)
	require.NoError(t, err)
	raw, err := io.ReadAll(f)
	require.NoError(t, err)
	f.Close()

	assert.False(t, bytes.Contains(raw, secret), "plaintext leaked to disk")
	assert.False(t, bytes.Contains(raw, []byte("secret.txt")), "plaintext name leaked to disk")
}

func TestVault_OperationsRequireUnlock(t *testing.T) {
	v := setupTestVault(t, "hunter2")
	container, err := v.Put("a.txt", "", bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	v.Lock()

	_, err = v.Put("b.txt", "", bytes.NewReader([]byte("data")))
	assert.ErrorIs(t, err, ErrVaultLocked)

	_, _, err = v.Open(container)
	assert.ErrorIs(t, err, ErrVaultLocked)

	_, err = v.Stat(container)
	assert.ErrorIs(t, err, ErrVaultLocked)

	assert.ErrorIs(t, v.Shred(container), ErrVaultLocked)

	_, err = v.DatabaseKey()
	assert.ErrorIs(t, err, ErrVaultLocked)
}

func TestVault_OpenCorruptContainer(t *testing.T) {
	v := setupTestVault(t, "hunter2")

	f, err := v.fs.Create("/containers/bogus" + ContainerExt)
	require.NoError(t, err)
	_, err = f.Write([]byte("this is not a container"))
	require.NoError(t, err)
	f.Close()

	_, _, err = v.Open("bogus" + ContainerExt)
	require.Error(t, err)
	assert.True(t, IsContainerError(err))
	assert.ErrorIs(t, err, ErrCorruptContainer)
}

func TestVault_OpenTamperedHeader(t *testing.T) {
	v := setupTestVault(t, "hunter2")
	container, err := v.Put("a.txt", "", bytes.NewReader(randomBytes(t, 256)))
	require.NoError(t, err)

	p := "/containers/" + container
	f, err := v.fs.Open(p)
	require.NoError(t, err)
	raw, err := io.ReadAll(f)
	require.NoError(t, err)
	f.Close()

	// Flip a bit inside the wrapped file key.
	raw[4+1+BodyIVSize+20] ^= 0x01
	w, err := v.fs.Create(p)
	require.NoError(t, err)
	_, err = w.Write(raw)
	require.NoError(t, err)
	w.Close()

	_, _, err = v.Open(container)
	assert.ErrorIs(t, err, ErrCorruptContainer)
}

func TestVault_Shred(t *testing.T) {
	v := setupTestVault(t, "hunter2")
	container, err := v.Put("doomed.txt", "", bytes.NewReader(randomBytes(t, 70*1024)))
	require.NoError(t, err)

	require.NoError(t, v.Shred(container))

	names, err := v.List()
	require.NoError(t, err)
	assert.Empty(t, names)

	_, _, err = v.Open(container)
	assert.Error(t, err)
}

func TestVault_DatabaseKeyStableAcrossSessions(t *testing.T) {
	v := setupTestVault(t, "hunter2")

	k1, err := v.DatabaseKey()
	require.NoError(t, err)
	require.Len(t, k1, KeySize)

	v.Lock()
	require.NoError(t, v.Unlock([]byte("hunter2")))

	k2, err := v.DatabaseKey()
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestVault_PersistsAcrossReopen(t *testing.T) {
	base, err := memfs.NewFS()
	require.NoError(t, err)
	statePath := filepath.Join(t.TempDir(), "state.db")
	cfg := &Config{FS: base, ContainerDir: "/containers", StatePath: statePath, KDF: testKDF}

	v, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, v.Setup([]byte("hunter2")))
	plaintext := randomBytes(t, 4096)
	container, err := v.Put("persisted.bin", "", bytes.NewReader(plaintext))
	require.NoError(t, err)
	dbKey, err := v.DatabaseKey()
	require.NoError(t, err)
	require.NoError(t, v.Close())

	// New device, same password, same salt: everything must come back.
	v2, err := New(cfg)
	require.NoError(t, err)
	defer v2.Close()
	require.NoError(t, v2.Unlock([]byte("hunter2")))

	rc, md, err := v2.Open(container)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, plaintext, got)
	assert.Equal(t, "persisted.bin", md.Name)

	dbKey2, err := v2.DatabaseKey()
	require.NoError(t, err)
	assert.Equal(t, dbKey, dbKey2)
}

func TestVault_CipherSuitePersistedFromSetup(t *testing.T) {
	base, err := memfs.NewFS()
	require.NoError(t, err)
	statePath := filepath.Join(t.TempDir(), "state.db")

	v, err := New(&Config{
		FS:           base,
		ContainerDir: "/containers",
		StatePath:    statePath,
		Cipher:       CipherChaCha20Poly1305,
		KDF:          testKDF,
	})
	require.NoError(t, err)
	require.NoError(t, v.Setup([]byte("pw")))
	container, err := v.Put("x.txt", "", bytes.NewReader([]byte("chacha body")))
	require.NoError(t, err)
	require.NoError(t, v.Close())

	// Reopening with a different configured suite must keep the setup-time
	// suite, or existing wrapped keys would fail to open.
	v2, err := New(&Config{
		FS:           base,
		ContainerDir: "/containers",
		StatePath:    statePath,
		Cipher:       CipherAES256GCM,
		KDF:          testKDF,
	})
	require.NoError(t, err)
	defer v2.Close()
	assert.Equal(t, CipherChaCha20Poly1305, v2.suite)

	require.NoError(t, v2.Unlock([]byte("pw")))
	rc, _, err := v2.Open(container)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, []byte("chacha body"), got)
}
