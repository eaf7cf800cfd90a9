package fingerprint

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// sha256 of the empty string
const emptyDigest = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func TestText(t *testing.T) {
	require.Equal(t, emptyDigest, Text(""))
	require.Equal(t, emptyDigest, Text("  \n\t "))

	a := Text("abort out of macro")
	require.Equal(t, a, Text("abort out of macro"))
	require.Equal(t, a, Text("  abort out of macro\n"))
	require.NotEqual(t, a, Text("abort out of macro!"))
}

func TestBytesMatchesText(t *testing.T) {
	// Bytes does not trim; only identical input agrees.
	require.Equal(t, Text("payload"), Bytes([]byte("payload")))
	require.NotEqual(t, Text(" payload"), Bytes([]byte(" payload")))
}

func TestFile(t *testing.T) {
	content := []byte("<macro>abort</macro>")
	path := filepath.Join(t.TempDir(), "macro.xml")
	err := os.WriteFile(path, content, 0o644)
	require.NoError(t, err)

	fromFile, err := File(path)
	require.NoError(t, err)
	require.Equal(t, Bytes(content), fromFile)

	fromReader, err := Reader(bytes.NewReader(content))
	require.NoError(t, err)
	require.Equal(t, fromFile, fromReader)

	_, err = File(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
