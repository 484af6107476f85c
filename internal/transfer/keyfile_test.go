package transfer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/poyrazK/cloudDNS/internal/dns/tsig"
)

func TestParseKeyFile(t *testing.T) {
	body := strings.Join([]string{
		"# comment line",
		"",
		"10.0.0.1 axfr-key. hmac-sha256 c2VjcmV0",
		"10.0.0.2 other-key. hmac-md5 bWQ1c2VjcmV0",
	}, "\n")

	keys, err := ParseKeyFile(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, keys, 2)

	k1 := keys["10.0.0.1"]
	require.NotNil(t, k1)
	require.Equal(t, "axfr-key.", k1.Name)
	require.Equal(t, tsig.AlgHMACSHA256, k1.Algorithm)
	require.Equal(t, []byte("secret"), k1.Secret)
	require.Equal(t, "10.0.0.1", k1.ServerAddr)

	k2 := keys["10.0.0.2"]
	require.NotNil(t, k2)
	require.Equal(t, tsig.AlgHMACMD5, k2.Algorithm)
}

func TestParseKeyFileRejectsBadLine(t *testing.T) {
	_, err := ParseKeyFile(strings.NewReader("10.0.0.1 key-name-only\n"))
	require.Error(t, err)
}

func TestParseKeyFileRejectsUnknownAlgorithm(t *testing.T) {
	_, err := ParseKeyFile(strings.NewReader("10.0.0.1 k. hmac-sha3000 c2VjcmV0\n"))
	require.Error(t, err)
}

func TestLoadAndRemoveKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.txt")
	require.NoError(t, os.WriteFile(path, []byte("10.0.0.1 k. hmac-sha1 c2VjcmV0\n"), 0o600))

	keys, err := LoadAndRemoveKeyFile(path)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "key file must be removed after a successful read")
}

func TestLoadAndRemoveKeyFileMissing(t *testing.T) {
	_, err := LoadAndRemoveKeyFile(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}
