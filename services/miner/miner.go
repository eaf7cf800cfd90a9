// Package miner orchestrates an incremental scrape: discover every
// thread on the configured boards, diff them against the saved state,
// and fetch only what changed.
package miner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"forumminer/lib/archive"
	"forumminer/lib/assetsink"
	"forumminer/lib/forumstate"
	"forumminer/lib/retry"
	"forumminer/lib/scrapers/woltlab"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/miner")

type Options struct {
	Store  *forumstate.Store
	Client *woltlab.Client
	Sink   *assetsink.Sink
	// Archive is optional; when nil nothing is mirrored to sqlite.
	Archive   *archive.Store
	BoardUrls []string
	OutputDir string
	// Concurrency caps the number of threads processed at once.
	Concurrency int
	// Force revisits every discovered thread regardless of diffs.
	Force      bool
	SkipAssets bool
	// SaveEvery persists the state after this many processed threads,
	// so an interrupted run keeps most of its progress.
	SaveEvery int
}

func (o *Options) fillDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.SaveEvery <= 0 {
		o.SaveEvery = 10
	}
}

type Service struct {
	opts Options

	mu      sync.Mutex
	summary Summary
	// processed counts threads completed since the last incremental
	// save
	processed int
}

func New(opts Options) (*Service, error) {
	opts.fillDefaults()
	if opts.Store == nil || opts.Client == nil {
		return nil, errors.New("miner needs a state store and a client")
	}
	if !opts.SkipAssets && opts.Sink == nil {
		return nil, errors.New("miner needs an asset sink unless assets are skipped")
	}
	if len(opts.BoardUrls) == 0 {
		return nil, errors.New("miner needs at least one board url")
	}
	return &Service{opts: opts}, nil
}

// Run executes one full scrape pass. The returned summary is valid
// even when err is non-nil; the state file is saved on every exit
// path so a cancelled run resumes where it stopped.
func (s *Service) Run(ctx context.Context) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "miner:Run")
	defer span.End()
	started := time.Now()

	defer func() {
		if err := s.opts.Store.Save(); err != nil {
			slog.Error("final state save failed", "err", err)
		}
	}()

	// discovery runs to completion before any thread is processed, so
	// the diff phase sees a consistent picture of the whole board
	refs, err := s.discover(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "discovery failed")
		return s.finish(started), err
	}
	s.mu.Lock()
	s.summary.ThreadsDiscovered = len(refs)
	s.mu.Unlock()

	work := s.planWork(ctx, refs)

	guard := make(chan struct{}, s.opts.Concurrency)
	var wg sync.WaitGroup
loop:
	for _, ref := range work {
		select {
		case <-ctx.Done():
			break loop
		case guard <- struct{}{}:
		}
		wg.Add(1)
		go func(ref woltlab.ThreadRef) {
			defer wg.Done()
			defer func() { <-guard }()
			s.processThread(ctx, ref)
		}(ref)
	}
	wg.Wait()

	if err := s.writeIndexes(ctx); err != nil {
		slog.Error("failed to write output indexes", "err", err)
	}

	if ctx.Err() != nil {
		return s.finish(started), ctx.Err()
	}
	return s.finish(started), nil
}

func (s *Service) finish(started time.Time) *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Duration = time.Since(started)
	s.summary.Selectors = s.opts.Client.SelectorStats()
	if t := s.opts.Client.Policy.Throttler; t != nil {
		s.summary.Throttle = t.Stats()
	}
	out := s.summary
	return &out
}

// discover walks every configured board, deduplicating threads that
// appear on more than one.
func (s *Service) discover(ctx context.Context) ([]woltlab.ThreadRef, error) {
	ctx, span := tracer.Start(ctx, "miner:discover")
	defer span.End()

	seen := map[string]bool{}
	var refs []woltlab.ThreadRef
	for _, board := range s.opts.BoardUrls {
		found, err := s.opts.Client.DiscoverThreads(ctx, board)
		if err != nil {
			return nil, err
		}
		for _, ref := range found {
			if seen[ref.ThreadID] {
				continue
			}
			seen[ref.ThreadID] = true
			refs = append(refs, ref)
		}
	}
	span.SetAttributes(attribute.Int("threads", len(refs)))
	return refs, nil
}

// planWork splits discovered threads into visit and skip sets.
// Skipped threads still get their last-seen timestamp refreshed: the
// board told us they exist, just not that they changed.
func (s *Service) planWork(ctx context.Context, refs []woltlab.ThreadRef) []woltlab.ThreadRef {
	now := time.Now().UTC()
	var work []woltlab.ThreadRef
	for _, ref := range refs {
		diff := s.opts.Store.DiffThread(ref.ThreadID, ref.ReplyCount, ref.Views)
		if !s.opts.Force && diff == forumstate.ThreadUpToDate {
			rec, _ := s.opts.Store.Thread(ref.ThreadID)
			rec.LastSeenAt = now
			s.opts.Store.ApplyThread(rec)
			s.mu.Lock()
			s.summary.ThreadsSkipped++
			s.mu.Unlock()
			continue
		}
		slog.DebugContext(ctx, "thread needs visit",
			"thread_id", ref.ThreadID, "diff", diff.String(),
			"replies", ref.ReplyCount, "views", ref.Views)
		work = append(work, ref)
	}
	return work
}

func (s *Service) processThread(ctx context.Context, ref woltlab.ThreadRef) {
	ctx, span := tracer.Start(ctx, "miner:processThread")
	defer span.End()
	span.SetAttributes(attribute.String("thread_id", ref.ThreadID))

	thread, err := s.opts.Client.FetchThread(ctx, ref)
	if err != nil {
		s.recordFailure(ctx, "thread "+ref.ThreadID, err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	now := time.Now().UTC()
	for _, post := range thread.Posts {
		switch s.opts.Store.DiffPost(post.PostID, post.ContentHash) {
		case forumstate.PostNew:
			s.count(func(sum *Summary) { sum.PostsAdded++ })
		case forumstate.PostEdited:
			s.count(func(sum *Summary) { sum.PostsEdited++ })
			slog.InfoContext(ctx, "post edited since last run", "post_id", post.PostID)
		default:
			s.count(func(sum *Summary) { sum.PostsUnchanged++ })
		}
		s.opts.Store.ApplyPost(forumstate.PostRecord{
			PostID:      post.PostID,
			ThreadID:    ref.ThreadID,
			ContentHash: post.ContentHash,
			ObservedAt:  now,
		})
	}

	if !s.opts.SkipAssets {
		for _, att := range thread.Attachments {
			s.processAsset(ctx, thread, att)
		}
	}

	if err := s.writeThreadOutput(thread, now); err != nil {
		slog.ErrorContext(ctx, "failed to write thread output",
			"thread_id", ref.ThreadID, "err", err)
	}
	s.mirrorThread(ctx, thread, now)

	s.opts.Store.ApplyThread(forumstate.ThreadRecord{
		ThreadID:       ref.ThreadID,
		URL:            ref.URL,
		Title:          thread.Title,
		LastSeenAt:     now,
		ReplyCountSeen: thread.Ref.ReplyCount,
		ViewsSeen:      thread.Ref.Views,
	})
	s.count(func(sum *Summary) { sum.ThreadsVisited++ })

	s.mu.Lock()
	s.processed++
	saveNow := s.processed%s.opts.SaveEvery == 0
	s.mu.Unlock()
	if saveNow {
		if err := s.opts.Store.Save(); err != nil {
			slog.ErrorContext(ctx, "incremental state save failed", "err", err)
		}
	}
}

func (s *Service) processAsset(ctx context.Context, thread *woltlab.Thread, att woltlab.Attachment) {
	ctx, span := tracer.Start(ctx, "miner:processAsset")
	defer span.End()
	span.SetAttributes(attribute.String("filename", att.Filename))

	rec, known := s.opts.Store.Asset(att.URL)
	if known && !s.opts.Force {
		meta, err := s.opts.Client.StatAsset(ctx, att.URL)
		if err == nil && s.opts.Store.DiffAsset(att.URL, meta.ETag, meta.LastModified) == forumstate.AssetUpToDate {
			s.count(func(sum *Summary) { sum.AssetsSkipped++ })
			return
		}
		// a failed HEAD is not fatal: fall through to the download,
		// which has its own retry budget
	}

	payload, meta, err := s.opts.Client.DownloadAsset(ctx, att.URL)
	if err != nil {
		s.recordFailure(ctx, "asset "+att.Filename, err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	var written assetsink.Written
	if known {
		// same attachment changed in place: replace the file instead
		// of spawning a collision-suffixed sibling
		written, err = s.opts.Sink.Update(rec.Filename, payload)
	} else {
		written, err = s.opts.Sink.Write(att.Filename, payload)
	}
	if err != nil {
		slog.WarnContext(ctx, "asset rejected by sink",
			"filename", att.Filename, "err", err)
		s.count(func(sum *Summary) { sum.AssetsFailed++ })
		return
	}

	now := time.Now().UTC()
	s.opts.Store.ApplyAsset(forumstate.AssetRecord{
		URL:          att.URL,
		Filename:     written.Filename,
		MimeType:     meta.MimeType,
		Size:         written.Size,
		Digest:       written.Digest,
		DownloadedAt: now,
		ETag:         meta.ETag,
		LastModified: meta.LastModified,
	})
	if s.opts.Archive != nil {
		err := s.opts.Archive.UpsertAsset(ctx, archive.Asset{
			URL:          att.URL,
			Filename:     written.Filename,
			ThreadID:     thread.Ref.ThreadID,
			MimeType:     meta.MimeType,
			Size:         written.Size,
			Digest:       written.Digest,
			DownloadedAt: now,
		})
		if err != nil {
			slog.WarnContext(ctx, "archive asset upsert failed", "err", err)
		}
	}
	s.count(func(sum *Summary) { sum.AssetsDownloaded++ })
}

func (s *Service) mirrorThread(ctx context.Context, thread *woltlab.Thread, now time.Time) {
	if s.opts.Archive == nil {
		return
	}
	err := s.opts.Archive.UpsertThread(ctx, archive.Thread{
		ThreadID:   thread.Ref.ThreadID,
		URL:        thread.Ref.URL,
		Title:      thread.Title,
		ReplyCount: thread.Ref.ReplyCount,
		Views:      thread.Ref.Views,
		LastSeenAt: now,
	})
	if err != nil {
		slog.WarnContext(ctx, "archive thread upsert failed", "err", err)
		return
	}
	for _, post := range thread.Posts {
		err := s.opts.Archive.UpsertPost(ctx, archive.Post{
			PostID:      post.PostID,
			ThreadID:    thread.Ref.ThreadID,
			Author:      post.Author,
			PostedAt:    post.PostedAt,
			Content:     post.Content,
			ContentHash: post.ContentHash,
			ObservedAt:  now,
		})
		if err != nil {
			slog.WarnContext(ctx, "archive post upsert failed", "err", err)
		}
	}
}

// recordFailure folds an error into the summary without stopping the
// run. Exhausted retries are bucketed by their failure reason; fatal
// statuses get their own bucket.
func (s *Service) recordFailure(ctx context.Context, what string, err error) {
	var exhausted *retry.ExhaustedError
	var fatal *retry.FatalStatusError

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summary.Failures == nil {
		s.summary.Failures = map[string]int{}
	}
	switch {
	case errors.As(err, &exhausted):
		s.summary.Failures[string(exhausted.Reason)]++
	case errors.As(err, &fatal):
		s.summary.Failures["fatal_status"]++
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// cancellation is accounted by Run itself
		return
	default:
		s.summary.Failures["other"]++
	}
	slog.WarnContext(ctx, "skipping after failure", "what", what, "err", err)
}

func (s *Service) count(apply func(*Summary)) {
	s.mu.Lock()
	apply(&s.summary)
	s.mu.Unlock()
}
