package miner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"forumminer/lib/scrapers/woltlab"
)

// threadMetadata is the per-thread document written next to the
// thread's assets; it is the canonical scraped representation.
type threadMetadata struct {
	ThreadID   string         `json:"thread_id"`
	URL        string         `json:"url"`
	Title      string         `json:"title"`
	ReplyCount int            `json:"reply_count"`
	Views      int            `json:"views"`
	PageCount  int            `json:"page_count"`
	ScrapedAt  time.Time      `json:"scraped_at"`
	Posts      []postMetadata `json:"posts"`
}

type postMetadata struct {
	PostID      string               `json:"post_id"`
	Index       int                  `json:"index"`
	Author      string               `json:"author,omitempty"`
	PostedAt    string               `json:"posted_at,omitempty"`
	Content     string               `json:"content"`
	ContentHash string               `json:"content_hash"`
	Attachments []attachmentMetadata `json:"attachments,omitempty"`
}

type attachmentMetadata struct {
	Filename  string `json:"filename"`
	URL       string `json:"url"`
	Downloads int    `json:"downloads,omitempty"`
}

type indexEntry struct {
	ThreadID      string `json:"thread_id"`
	URL           string `json:"url"`
	Title         string `json:"title"`
	FirstPostedAt string `json:"first_posted_at,omitempty"`
	PostCount     int    `json:"post_count"`
}

func writeJSONAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".out-*.json")
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
	return os.Rename(tmp.Name(), path)
}

func (s *Service) threadDir(threadID string) string {
	return filepath.Join(s.opts.OutputDir, "threads", threadID)
}

func (s *Service) writeThreadOutput(thread *woltlab.Thread, now time.Time) error {
	meta := threadMetadata{
		ThreadID:   thread.Ref.ThreadID,
		URL:        thread.Ref.URL,
		Title:      thread.Title,
		ReplyCount: thread.Ref.ReplyCount,
		Views:      thread.Ref.Views,
		PageCount:  thread.PageCount,
		ScrapedAt:  now,
	}

	attachmentsByPost := map[int][]attachmentMetadata{}
	for _, att := range thread.Attachments {
		attachmentsByPost[att.PostIndex] = append(attachmentsByPost[att.PostIndex], attachmentMetadata{
			Filename:  att.Filename,
			URL:       att.URL,
			Downloads: att.Downloads,
		})
	}
	for _, post := range thread.Posts {
		meta.Posts = append(meta.Posts, postMetadata{
			PostID:      post.PostID,
			Index:       post.Index,
			Author:      post.Author,
			PostedAt:    post.PostedAt,
			Content:     post.Content,
			ContentHash: post.ContentHash,
			Attachments: attachmentsByPost[post.Index],
		})
	}

	return writeJSONAtomic(filepath.Join(s.threadDir(thread.Ref.ThreadID), "metadata.json"), meta)
}

// writeIndexes regenerates the run-level indexes: a chronological
// thread index and an asset-type inventory. Both are rebuilt from
// what is actually on disk and in the state, so re-running after a
// partial scrape repairs them.
func (s *Service) writeIndexes(ctx context.Context) error {
	_, span := tracer.Start(ctx, "miner:writeIndexes")
	defer span.End()

	if err := s.writeThreadIndex(); err != nil {
		return err
	}
	return s.writeAssetTypeIndex()
}

func (s *Service) writeThreadIndex() error {
	pattern := filepath.Join(s.opts.OutputDir, "threads", "*", "metadata.json")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}

	var entries []indexEntry
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var meta threadMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		entry := indexEntry{
			ThreadID:  meta.ThreadID,
			URL:       meta.URL,
			Title:     meta.Title,
			PostCount: len(meta.Posts),
		}
		if len(meta.Posts) > 0 {
			entry.FirstPostedAt = meta.Posts[0].PostedAt
		}
		entries = append(entries, entry)
	}

	// oldest first; ISO-8601 dates order lexicographically, and
	// threads without a usable date sink to the end
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].FirstPostedAt, entries[j].FirstPostedAt
		if (a == "") != (b == "") {
			return a != ""
		}
		if a != b {
			return a < b
		}
		return entries[i].ThreadID < entries[j].ThreadID
	})

	return writeJSONAtomic(filepath.Join(s.opts.OutputDir, "index.json"), entries)
}

func (s *Service) writeAssetTypeIndex() error {
	byType := map[string][]string{}
	for _, rec := range s.opts.Store.Assets() {
		key := rec.MimeType
		if key == "" {
			key = "unknown"
		}
		byType[key] = append(byType[key], rec.Filename)
	}
	for _, names := range byType {
		sort.Strings(names)
	}
	return writeJSONAtomic(filepath.Join(s.opts.OutputDir, "asset_type_index.json"), byType)
}
