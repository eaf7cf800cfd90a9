// Package archive mirrors scraped threads, posts and assets into a
// sqlite database so runs can be queried after the fact without
// re-reading thousands of JSON files.
package archive

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Schema is exposed so tests and the CLI can create the tables on a
// fresh database.
const Schema = `
CREATE TABLE IF NOT EXISTS threads (
	thread_id    TEXT PRIMARY KEY,
	url          TEXT NOT NULL,
	title        TEXT NOT NULL,
	reply_count  INTEGER NOT NULL,
	views        INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS posts (
	post_id      TEXT PRIMARY KEY,
	thread_id    TEXT NOT NULL,
	author       TEXT NOT NULL,
	posted_at    TEXT NOT NULL,
	content      TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	observed_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS assets (
	url           TEXT PRIMARY KEY,
	filename      TEXT NOT NULL,
	thread_id     TEXT NOT NULL,
	mime_type     TEXT NOT NULL,
	size          INTEGER NOT NULL,
	digest        TEXT NOT NULL,
	downloaded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posts_thread ON posts (thread_id);
CREATE INDEX IF NOT EXISTS idx_assets_thread ON assets (thread_id);
`

type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) Store {
	return Store{db: database}
}

// Open opens (creating if needed) an archive database at path.
func Open(path string) (Store, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return Store{}, err
	}
	if _, err := database.Exec(Schema); err != nil {
		database.Close()
		return Store{}, err
	}
	return Store{db: database}, nil
}

func (s Store) Close() error { return s.db.Close() }

func (s Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

type Thread struct {
	ThreadID   string
	URL        string
	Title      string
	ReplyCount int
	Views      int
	LastSeenAt time.Time
}

type Post struct {
	PostID      string
	ThreadID    string
	Author      string
	PostedAt    string
	Content     string
	ContentHash string
	ObservedAt  time.Time
}

type Asset struct {
	URL          string
	Filename     string
	ThreadID     string
	MimeType     string
	Size         int64
	Digest       string
	DownloadedAt time.Time
}

func (s Store) UpsertThread(ctx context.Context, t Thread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (thread_id, url, title, reply_count, views, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET
			url = excluded.url,
			title = excluded.title,
			reply_count = excluded.reply_count,
			views = excluded.views,
			last_seen_at = excluded.last_seen_at`,
		t.ThreadID, t.URL, t.Title, t.ReplyCount, t.Views, t.LastSeenAt.Unix())
	return err
}

func (s Store) UpsertPost(ctx context.Context, p Post) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (post_id, thread_id, author, posted_at, content, content_hash, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (post_id) DO UPDATE SET
			author = excluded.author,
			posted_at = excluded.posted_at,
			content = excluded.content,
			content_hash = excluded.content_hash,
			observed_at = excluded.observed_at`,
		p.PostID, p.ThreadID, p.Author, p.PostedAt, p.Content, p.ContentHash, p.ObservedAt.Unix())
	return err
}

func (s Store) UpsertAsset(ctx context.Context, a Asset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (url, filename, thread_id, mime_type, size, digest, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url) DO UPDATE SET
			filename = excluded.filename,
			thread_id = excluded.thread_id,
			mime_type = excluded.mime_type,
			size = excluded.size,
			digest = excluded.digest,
			downloaded_at = excluded.downloaded_at`,
		a.URL, a.Filename, a.ThreadID, a.MimeType, a.Size, a.Digest, a.DownloadedAt.Unix())
	return err
}

// PostsForThread returns a thread's posts in id order, which matches
// chronological order because post ids are 1-based position indexes.
func (s Store) PostsForThread(ctx context.Context, threadID string) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT post_id, thread_id, author, posted_at, content, content_hash, observed_at
		FROM posts WHERE thread_id = ?
		ORDER BY CAST(substr(post_id, instr(post_id, '-') + 1) AS INTEGER)`,
		threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var p Post
		var observed int64
		if err := rows.Scan(&p.PostID, &p.ThreadID, &p.Author, &p.PostedAt,
			&p.Content, &p.ContentHash, &observed); err != nil {
			return nil, err
		}
		p.ObservedAt = time.Unix(observed, 0).UTC()
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

type TypeCount struct {
	MimeType string
	Count    int
}

// AssetTypeCounts aggregates stored assets by mime type, most common
// first.
func (s Store) AssetTypeCounts(ctx context.Context) ([]TypeCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mime_type, COUNT(*) FROM assets
		GROUP BY mime_type ORDER BY COUNT(*) DESC, mime_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []TypeCount
	for rows.Next() {
		var c TypeCount
		if err := rows.Scan(&c.MimeType, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// ThreadTitles returns every archived thread title with its id.
func (s Store) ThreadTitles(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT thread_id, title FROM threads`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	titles := map[string]string{}
	for rows.Next() {
		var id, title string
		if err := rows.Scan(&id, &title); err != nil {
			return nil, err
		}
		titles[id] = title
	}
	return titles, rows.Err()
}

// Counts reports the number of rows per table.
func (s Store) Counts(ctx context.Context) (threads, posts, assets int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM threads),
		       (SELECT COUNT(*) FROM posts),
		       (SELECT COUNT(*) FROM assets)`)
	err = row.Scan(&threads, &posts, &assets)
	return threads, posts, assets, err
}
