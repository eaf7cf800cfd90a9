package forumstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.json"), "")
	require.NoError(t, err)
	return s
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	s := tempStore(t)
	threads, posts, assets := s.Counts()
	require.Zero(t, threads)
	require.Zero(t, posts)
	require.Zero(t, assets)
}

func TestThreadDiffLevels(t *testing.T) {
	s := tempStore(t)

	require.Equal(t, ThreadNew, s.DiffThread("104390", 12, 340))

	s.ApplyThread(ThreadRecord{
		ThreadID:       "104390",
		URL:            "https://forum.example.com/forum/thread/104390-abort-out-of-macro/",
		ReplyCountSeen: 12,
		ViewsSeen:      340,
		LastSeenAt:     time.Now(),
	})

	require.Equal(t, ThreadUpToDate, s.DiffThread("104390", 12, 340))
	require.Equal(t, ThreadChanged, s.DiffThread("104390", 13, 340))
	// view-only drift also counts by default
	require.Equal(t, ThreadChanged, s.DiffThread("104390", 12, 355))

	s.ReprocessOnViews = false
	require.Equal(t, ThreadUpToDate, s.DiffThread("104390", 12, 355))
	require.Equal(t, ThreadChanged, s.DiffThread("104390", 13, 355))
}

func TestPostDiffByDigest(t *testing.T) {
	s := tempStore(t)

	require.Equal(t, PostNew, s.DiffPost("104390-1", "sha256:aaa"))
	s.ApplyPost(PostRecord{PostID: "104390-1", ThreadID: "104390", ContentHash: "sha256:aaa"})
	require.Equal(t, PostUnchanged, s.DiffPost("104390-1", "sha256:aaa"))
	require.Equal(t, PostEdited, s.DiffPost("104390-1", "sha256:bbb"))
}

func TestAssetDiffRequiresBothValidators(t *testing.T) {
	s := tempStore(t)
	assetUrl := "https://forum.example.com/attachment/501-macro-xml/"

	require.Equal(t, AssetNew, s.DiffAsset(assetUrl, `"v1"`, "Mon, 02 Jan 2006 15:04:05 GMT"))

	// only one validator captured: never up to date
	s.ApplyAsset(AssetRecord{URL: assetUrl, Filename: "macro.xml", ETag: `"v1"`})
	require.Equal(t, AssetChanged, s.DiffAsset(assetUrl, `"v1"`, "Mon, 02 Jan 2006 15:04:05 GMT"))

	s.ApplyAsset(AssetRecord{
		URL:          assetUrl,
		Filename:     "macro.xml",
		ETag:         `"v1"`,
		LastModified: "Mon, 02 Jan 2006 15:04:05 GMT",
	})
	require.Equal(t, AssetUpToDate, s.DiffAsset(assetUrl, `"v1"`, "Mon, 02 Jan 2006 15:04:05 GMT"))
	require.Equal(t, AssetChanged, s.DiffAsset(assetUrl, `"v2"`, "Mon, 02 Jan 2006 15:04:05 GMT"))
	require.Equal(t, AssetChanged, s.DiffAsset(assetUrl, `"v1"`, "Tue, 03 Jan 2006 15:04:05 GMT"))
}

func TestAssetsWithSameNameAreDistinctPerURL(t *testing.T) {
	s := tempStore(t)
	first := "https://forum.example.com/attachment/501-macro-xml/"
	second := "https://forum.example.com/attachment/502-macro-xml/"

	// two threads attach different files that share the name macro.xml
	s.ApplyAsset(AssetRecord{URL: first, Filename: "macro.xml", ETag: `"a1"`, LastModified: "lm-a"})
	s.ApplyAsset(AssetRecord{URL: second, Filename: "macro_1.xml", ETag: `"b7"`, LastModified: "lm-b"})

	_, _, assets := s.Counts()
	require.Equal(t, 2, assets)

	// each URL keeps its own validators, so both skip on the next run
	require.Equal(t, AssetUpToDate, s.DiffAsset(first, `"a1"`, "lm-a"))
	require.Equal(t, AssetUpToDate, s.DiffAsset(second, `"b7"`, "lm-b"))

	rec, ok := s.Asset(second)
	require.True(t, ok)
	require.Equal(t, "macro_1.xml", rec.Filename)
}

func TestFilenameKeyedSnapshotIsRekeyedOnLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	assetUrl := "https://forum.example.com/attachment/501-macro-xml/"

	// snapshot written by an older run that keyed assets by filename
	raw := []byte(`{
		"schema_version": 2,
		"threads": {},
		"posts": {},
		"assets": {
			"macro.xml": {
				"url": "` + assetUrl + `",
				"filename": "macro.xml",
				"etag": "\"v1\"",
				"last_modified": "lm"
			}
		}
	}`)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	s, err := Open(path, "")
	require.NoError(t, err)

	rec, ok := s.Asset(assetUrl)
	require.True(t, ok)
	require.Equal(t, "macro.xml", rec.Filename)
	require.Equal(t, AssetUpToDate, s.DiffAsset(assetUrl, `"v1"`, "lm"))
}

func TestLastSeenOnlyMovesForward(t *testing.T) {
	s := tempStore(t)
	newer := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	s.ApplyThread(ThreadRecord{ThreadID: "1", LastSeenAt: newer, ReplyCountSeen: 5})
	s.ApplyThread(ThreadRecord{ThreadID: "1", LastSeenAt: older, ReplyCountSeen: 6})

	rec, ok := s.Thread("1")
	require.True(t, ok)
	require.Equal(t, newer, rec.LastSeenAt)
	require.Equal(t, 6, rec.ReplyCountSeen)
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s, err := Open(path, "")
	require.NoError(t, err)
	s.ApplyThread(ThreadRecord{ThreadID: "104390", URL: "https://forum.example.com/forum/thread/104390-x/", ReplyCountSeen: 3, ViewsSeen: 80})
	s.ApplyPost(PostRecord{PostID: "104390-1", ThreadID: "104390", ContentHash: "sha256:abc"})
	s.ApplyAsset(AssetRecord{URL: "https://forum.example.com/attachment/501-macro-xml/", Filename: "macro.xml", Size: 512, ETag: `"e"`, LastModified: "lm"})
	require.NoError(t, s.Save())

	reloaded, err := Open(path, "")
	require.NoError(t, err)

	require.Equal(t, ThreadUpToDate, reloaded.DiffThread("104390", 3, 80))
	require.Equal(t, PostUnchanged, reloaded.DiffPost("104390-1", "sha256:abc"))
	require.Equal(t, AssetUpToDate, reloaded.DiffAsset("https://forum.example.com/attachment/501-macro-xml/", `"e"`, "lm"))

	ignoreClock := cmpopts.IgnoreFields(snapshot{}, "LastUpdated")
	if diff := cmp.Diff(s.snap, reloaded.snap, ignoreClock); diff != "" {
		t.Fatalf("snapshot drifted across save/load:\n%s", diff)
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s, err := Open(path, "")
	require.NoError(t, err)
	s.ApplyThread(ThreadRecord{ThreadID: "7", ReplyCountSeen: 1})
	require.NoError(t, s.Save())
	require.NoError(t, s.Save())

	reloaded, err := Open(path, "")
	require.NoError(t, err)
	threads, _, _ := reloaded.Counts()
	require.Equal(t, 1, threads)
}

func TestLegacyURLListMigration(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "scraped_urls.json")
	urls := []string{
		"https://forum.example.com/forum/thread/104390-abort-out-of-macro/",
		"https://forum.example.com/forum/thread/99120-window-layouts/",
		"https://forum.example.com/forum/board/12-macros/", // not a thread url
	}
	raw, err := json.Marshal(urls)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(legacy, raw, 0o644))

	s, err := Open(filepath.Join(dir, "state.json"), legacy)
	require.NoError(t, err)

	threads, _, _ := s.Counts()
	require.Equal(t, 2, threads)

	rec, ok := s.Thread("104390")
	require.True(t, ok)
	require.Zero(t, rec.ReplyCountSeen, "migrated threads start at zero counts")
	require.Zero(t, rec.ViewsSeen)

	// zero counts guarantee one re-examination
	require.Equal(t, ThreadChanged, s.DiffThread("104390", 12, 340))
}

func TestCorruptStateFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Open(path, "")
	require.Error(t, err)
}

func TestNewerSchemaIsRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": 99}`), 0o644))

	_, err := Open(path, "")
	require.Error(t, err)
}

func TestThreadIDFromURL(t *testing.T) {
	require.Equal(t, "104390", ThreadIDFromURL("https://forum.example.com/forum/thread/104390-abort-out-of-macro/"))
	require.Equal(t, "", ThreadIDFromURL("https://forum.example.com/forum/board/12-macros/"))
}
