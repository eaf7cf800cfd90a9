package assetsink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mazen160/go-random"
	"github.com/stretchr/testify/require"
)

func TestSanitizeRejectsTraversal(t *testing.T) {
	for _, name := range []string{
		"../../evil.xml",
		"..\\evil.xml",
		"/etc/passwd",
		"sub/dir.xml",
		"..",
		".",
		"",
		"   ",
		"a..b.xml",
	} {
		_, err := Sanitize(name)
		require.ErrorIs(t, err, ErrUnsafeFilename, "name %q must be rejected", name)
	}
}

func TestSanitizeAcceptsPlainNames(t *testing.T) {
	for _, name := range []string{"macro.xml", "Layout-v2.zip", "trades_2019.csv.gz", "DOM.Show"} {
		clean, err := Sanitize(name)
		require.NoError(t, err)
		require.Equal(t, name, clean)
	}
}

func TestWriteAndDigest(t *testing.T) {
	sink, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	w, err := sink.Write("macro.xml", []byte("<macro/>"))
	require.NoError(t, err)
	require.Equal(t, "macro.xml", w.Filename)
	require.EqualValues(t, 8, w.Size)
	require.Contains(t, w.Digest, "sha256:")

	raw, err := os.ReadFile(filepath.Join(sink.Root(), "macro.xml"))
	require.NoError(t, err)
	require.Equal(t, "<macro/>", string(raw))
}

func TestWriteRefusesTraversal(t *testing.T) {
	root := t.TempDir()
	sink, err := New(filepath.Join(root, "assets"), 0)
	require.NoError(t, err)

	_, err = sink.Write("../../evil.xml", []byte("x"))
	require.ErrorIs(t, err, ErrUnsafeFilename)

	_, statErr := os.Stat(filepath.Join(root, "evil.xml"))
	require.True(t, os.IsNotExist(statErr))
}

func TestIdenticalContentReusesName(t *testing.T) {
	sink, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	first, err := sink.Write("macro.xml", []byte("<macro/>"))
	require.NoError(t, err)
	second, err := sink.Write("macro.xml", []byte("<macro/>"))
	require.NoError(t, err)
	require.Equal(t, first.Filename, second.Filename)
	require.Equal(t, first.Digest, second.Digest)
}

func TestCollisionGetsSuffix(t *testing.T) {
	sink, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = sink.Write("macro.xml", []byte("version one"))
	require.NoError(t, err)
	w, err := sink.Write("macro.xml", []byte("version two"))
	require.NoError(t, err)
	require.Equal(t, "macro_1.xml", w.Filename)

	w, err = sink.Write("macro.xml", []byte("version three"))
	require.NoError(t, err)
	require.Equal(t, "macro_2.xml", w.Filename)
}

func TestUpdateOverwritesInPlace(t *testing.T) {
	sink, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = sink.Write("macro.xml", []byte("version one"))
	require.NoError(t, err)
	w, err := sink.Update("macro.xml", []byte("version two"))
	require.NoError(t, err)
	require.Equal(t, "macro.xml", w.Filename)

	raw, err := os.ReadFile(filepath.Join(sink.Root(), "macro.xml"))
	require.NoError(t, err)
	require.Equal(t, "version two", string(raw))

	_, err = sink.Update("../evil.xml", []byte("x"))
	require.ErrorIs(t, err, ErrUnsafeFilename)
}

func TestSizeCap(t *testing.T) {
	sink, err := New(t.TempDir(), 16)
	require.NoError(t, err)

	body, err := random.String(32)
	require.NoError(t, err)
	_, err = sink.Write("big.zip", []byte(body))
	require.ErrorIs(t, err, ErrTooLarge)

	small, err := random.String(8)
	require.NoError(t, err)
	_, err = sink.Write("small.zip", []byte(small))
	require.NoError(t, err)
}
