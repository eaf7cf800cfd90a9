// Package forumstate persists what a previous scrape already saw, so
// the next run only touches what changed.
//
// The state is one versioned JSON document with three levels of
// records: threads (compared by reply/view counts from the board
// index), posts (compared by content digest), and assets (compared by
// the HTTP validators captured at download time). The store is the
// single writer; workers funnel their updates through it.
package forumstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// SchemaVersion is bumped whenever the snapshot layout changes shape.
const SchemaVersion = 2

type ThreadRecord struct {
	ThreadID       string    `json:"thread_id"`
	URL            string    `json:"url"`
	Title          string    `json:"title,omitempty"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	ReplyCountSeen int       `json:"reply_count_seen"`
	ViewsSeen      int       `json:"views_seen"`
}

type PostRecord struct {
	PostID      string    `json:"post_id"`
	ThreadID    string    `json:"thread_id"`
	ContentHash string    `json:"content_hash"`
	ObservedAt  time.Time `json:"observed_at"`
}

// AssetRecord is keyed by the attachment URL; the filename is just
// where the bytes landed on disk. Two threads can attach different
// files under the same name, so the name identifies nothing.
type AssetRecord struct {
	URL          string    `json:"url"`
	Filename     string    `json:"filename"`
	MimeType     string    `json:"mime_type,omitempty"`
	Size         int64     `json:"size"`
	Digest       string    `json:"digest,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
}

type snapshot struct {
	SchemaVersion int                     `json:"schema_version"`
	LastUpdated   time.Time               `json:"last_updated"`
	Threads       map[string]ThreadRecord `json:"threads"`
	Posts         map[string]PostRecord   `json:"posts"`
	Assets        map[string]AssetRecord  `json:"assets"`
}

// ThreadDiff classifies a thread against the stored record.
type ThreadDiff int

const (
	ThreadNew ThreadDiff = iota
	ThreadChanged
	ThreadUpToDate
)

func (d ThreadDiff) String() string {
	switch d {
	case ThreadNew:
		return "new"
	case ThreadChanged:
		return "changed"
	default:
		return "up_to_date"
	}
}

// PostDiff classifies a post body against the stored digest.
type PostDiff int

const (
	PostNew PostDiff = iota
	PostEdited
	PostUnchanged
)

// AssetDiff classifies a remote asset against the stored validators.
type AssetDiff int

const (
	AssetNew AssetDiff = iota
	AssetChanged
	AssetUpToDate
)

// Store owns the in-memory state and its file on disk. All methods
// are safe for concurrent use; saving is atomic (temp file + rename)
// so a crashed run never leaves a half-written snapshot behind.
type Store struct {
	mu   sync.Mutex
	path string
	snap snapshot

	// ReprocessOnViews makes a view-count-only change on the board
	// index count as a thread change. Views move without new content
	// (lurkers), so some deployments prefer to ignore them; post-level
	// digests still catch silent edits either way.
	ReprocessOnViews bool
}

var threadIDPattern = regexp.MustCompile(`/thread/(\d+)-`)

// ThreadIDFromURL extracts the numeric thread id from a WoltLab-style
// thread URL, or "" when the URL doesn't carry one.
func ThreadIDFromURL(url string) string {
	m := threadIDPattern.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return m[1]
}

// Open loads the snapshot at path. When it doesn't exist but a legacy
// visited-URL list does, the list is migrated: each URL becomes a
// thread record with zero counts, so the first incremental run
// re-examines every known thread exactly once and fills in the real
// counts.
func Open(path, legacyPath string) (*Store, error) {
	s := &Store{
		path:             path,
		snap:             emptySnapshot(),
		ReprocessOnViews: true,
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var snap snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("state file %s is corrupt: %w", path, err)
		}
		if snap.SchemaVersion > SchemaVersion {
			return nil, fmt.Errorf("state file %s has schema %d, newer than supported %d",
				path, snap.SchemaVersion, SchemaVersion)
		}
		normalize(&snap)
		s.snap = snap
		return s, nil
	case errors.Is(err, fs.ErrNotExist):
		// fall through to migration
	default:
		return nil, err
	}

	if legacyPath != "" {
		migrated, err := migrateLegacy(legacyPath)
		if err != nil {
			return nil, err
		}
		if migrated != nil {
			s.snap = *migrated
			slog.Info("migrated legacy visited-url list",
				"path", legacyPath, "threads", len(migrated.Threads))
		}
	}
	return s, nil
}

func emptySnapshot() snapshot {
	return snapshot{
		SchemaVersion: SchemaVersion,
		Threads:       map[string]ThreadRecord{},
		Posts:         map[string]PostRecord{},
		Assets:        map[string]AssetRecord{},
	}
}

func normalize(snap *snapshot) {
	snap.SchemaVersion = SchemaVersion
	if snap.Threads == nil {
		snap.Threads = map[string]ThreadRecord{}
	}
	if snap.Posts == nil {
		snap.Posts = map[string]PostRecord{}
	}
	if snap.Assets == nil {
		snap.Assets = map[string]AssetRecord{}
	}
	// earlier snapshots keyed assets by filename; rekey by URL so
	// same-named attachments from different threads stop colliding
	assets := make(map[string]AssetRecord, len(snap.Assets))
	for key, rec := range snap.Assets {
		if rec.URL != "" {
			key = rec.URL
		}
		assets[key] = rec
	}
	snap.Assets = assets
}

// migrateLegacy reads the old flat JSON array of thread URLs. Returns
// (nil, nil) when the legacy file doesn't exist either.
func migrateLegacy(path string) (*snapshot, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var urls []string
	if err := json.Unmarshal(raw, &urls); err != nil {
		return nil, fmt.Errorf("legacy url list %s is corrupt: %w", path, err)
	}

	snap := emptySnapshot()
	for _, url := range urls {
		id := ThreadIDFromURL(url)
		if id == "" {
			continue
		}
		snap.Threads[id] = ThreadRecord{
			ThreadID: id,
			URL:      url,
			// zero counts force one change-detection pass
			ReplyCountSeen: 0,
			ViewsSeen:      0,
		}
	}
	return &snap, nil
}

// Save writes the snapshot atomically next to its final path.
func (s *Store) Save() error {
	s.mu.Lock()
	s.snap.LastUpdated = time.Now().UTC()
	raw, err := json.MarshalIndent(s.snap, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// DiffThread compares board-index counts against the stored record.
func (s *Store) DiffThread(threadID string, replyCount, views int) ThreadDiff {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.snap.Threads[threadID]
	if !ok {
		return ThreadNew
	}
	if replyCount != rec.ReplyCountSeen {
		return ThreadChanged
	}
	if s.ReprocessOnViews && views != rec.ViewsSeen {
		return ThreadChanged
	}
	return ThreadUpToDate
}

// DiffPost compares a post's content digest against the stored one.
func (s *Store) DiffPost(postID, contentHash string) PostDiff {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.snap.Posts[postID]
	if !ok {
		return PostNew
	}
	if rec.ContentHash != contentHash {
		return PostEdited
	}
	return PostUnchanged
}

// DiffAsset decides whether the asset at url needs re-downloading. It
// is only up to date when both validators were captured at download
// time and both still match; a missing validator on either side means
// the comparison is inconclusive and the asset is fetched again.
func (s *Store) DiffAsset(url, etag, lastModified string) AssetDiff {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.snap.Assets[url]
	if !ok {
		return AssetNew
	}
	if rec.ETag == "" || rec.LastModified == "" {
		return AssetChanged
	}
	if rec.ETag == etag && rec.LastModified == lastModified {
		return AssetUpToDate
	}
	return AssetChanged
}

// ApplyThread upserts a thread record. LastSeenAt only moves forward,
// so replaying an older observation never rewinds the clock.
func (s *Store) ApplyThread(rec ThreadRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.snap.Threads[rec.ThreadID]; ok && rec.LastSeenAt.Before(old.LastSeenAt) {
		rec.LastSeenAt = old.LastSeenAt
	}
	s.snap.Threads[rec.ThreadID] = rec
}

func (s *Store) ApplyPost(rec PostRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Posts[rec.PostID] = rec
}

func (s *Store) ApplyAsset(rec AssetRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Assets[rec.URL] = rec
}

// Thread returns the stored record for a thread id, if any.
func (s *Store) Thread(threadID string) (ThreadRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.snap.Threads[threadID]
	return rec, ok
}

func (s *Store) Post(postID string) (PostRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.snap.Posts[postID]
	return rec, ok
}

func (s *Store) Asset(url string) (AssetRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.snap.Assets[url]
	return rec, ok
}

// Assets returns a copy of every stored asset record.
func (s *Store) Assets() []AssetRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AssetRecord, 0, len(s.snap.Assets))
	for _, rec := range s.snap.Assets {
		out = append(out, rec)
	}
	return out
}

// Counts reports how many records of each level the store holds.
func (s *Store) Counts() (threads, posts, assets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snap.Threads), len(s.snap.Posts), len(s.snap.Assets)
}
