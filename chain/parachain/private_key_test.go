package parachain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/snowfork/go-substrate-rpc-client/v4/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePrivateKey(t *testing.T) {
	keypair, err := ResolvePrivateKey("//Alice", "")
	require.NoError(t, err)
	assert.Equal(t, signature.TestKeyringPairAlice.PublicKey, keypair.AsKeyringPair().PublicKey)

	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("//Alice\n"), 0o600))
	keypair, err = ResolvePrivateKey("", path)
	require.NoError(t, err)
	assert.Equal(t, signature.TestKeyringPairAlice.Address, keypair.Address())

	_, err = ResolvePrivateKey("", "")
	assert.Error(t, err)

	_, err = ResolvePrivateKey("", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
