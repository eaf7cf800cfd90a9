package woltlab

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"forumminer/lib/assetsink"
	"forumminer/lib/fingerprint"
	"forumminer/lib/htmlutil"
	"forumminer/lib/selectorchain"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Post struct {
	// PostID is "<thread id>-<index>", with the index counting from 1
	// across reply pages, so post ids stay stable as threads grow.
	PostID      string
	Index       int
	Author      string
	PostedAt    string
	Content     string
	ContentHash string
}

type Attachment struct {
	Filename  string
	URL       string
	PostIndex int
	Downloads int
}

type Thread struct {
	Ref         ThreadRef
	Title       string
	PageCount   int
	Posts       []Post
	Attachments []Attachment
}

// AssetMeta carries what a HEAD request reveals about an attachment.
type AssetMeta struct {
	ETag         string
	LastModified string
	MimeType     string
	Size         int64
}

var downloadsPattern = regexp.MustCompile(`(?i)(\d+)\s*downloads?`)

// allowedAssetExts mirrors the file types the forum's users actually
// share: exported settings, packaged layouts and indicator files.
var allowedAssetExts = map[string]bool{
	".xml":  true,
	".zip":  true,
	".gz":   true,
	".show": true,
}

// AllowedAssetFilename reports whether an attachment name has one of
// the collected extensions.
func AllowedAssetFilename(name string) bool {
	return allowedAssetExts[strings.ToLower(path.Ext(name))]
}

// FetchThread downloads every page of a thread and assembles its
// posts in order, with attachments attributed to the post that
// carries them.
func (c *Client) FetchThread(ctx context.Context, ref ThreadRef) (*Thread, error) {
	ctx, span := tracer.Start(ctx, "client:FetchThread")
	defer span.End()
	span.SetAttributes(attribute.String("thread_id", ref.ThreadID))

	doc, err := c.getDoc(ctx, ref.URL)
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch first page")
		return nil, err
	}

	thread := &Thread{Ref: ref, PageCount: 1}

	title, _, err := c.Chains.ThreadTitle.Text(doc.Selection)
	if err != nil {
		// board row title is a usable fallback; a missing heading is
		// markup drift, not a reason to drop the thread
		title = ref.Title
		slog.WarnContext(ctx, "thread title selector missed",
			"thread_id", ref.ThreadID, "fallback", title)
	}
	thread.Title = title

	if replies, views := parseStats(doc.Text()); replies > 0 || views > 0 {
		thread.Ref.ReplyCount = max(thread.Ref.ReplyCount, replies)
		thread.Ref.Views = max(thread.Ref.Views, views)
	}

	c.appendPosts(thread, doc)

	maxPage := detectMaxPage(doc)
	if maxPage == 0 {
		maxPage = 1
	}
	for page := 2; page <= maxPage; page++ {
		doc, err := c.getDoc(ctx, pageUrl(ref.URL, page))
		if err != nil {
			span.SetStatus(codes.Error, "failed to fetch reply page")
			return nil, err
		}
		thread.PageCount = page
		c.appendPosts(thread, doc)
	}

	span.SetAttributes(
		attribute.Int("posts", len(thread.Posts)),
		attribute.Int("attachments", len(thread.Attachments)),
	)
	return thread, nil
}

// appendPosts extracts the posts on one page, numbering them after
// whatever earlier pages already contributed.
func (c *Client) appendPosts(thread *Thread, doc *goquery.Document) {
	elements, _, err := c.Chains.PostElements.Select(doc.Selection)
	if err != nil {
		return
	}

	elements.Each(func(_ int, el *goquery.Selection) {
		index := len(thread.Posts) + 1

		content, _, err := c.Chains.PostContent.Text(el)
		if err != nil {
			// a post with no extractable body is unusable; skip it
			// without consuming an index
			return
		}

		post := Post{
			PostID:      fmt.Sprintf("%s-%d", thread.Ref.ThreadID, index),
			Index:       index,
			Content:     content,
			ContentHash: fingerprint.Text(content),
		}
		if author, _, err := c.Chains.PostAuthor.Text(el); err == nil {
			post.Author = author
		}
		post.PostedAt = c.postDate(el)

		thread.Posts = append(thread.Posts, post)
		thread.Attachments = append(thread.Attachments, c.postAttachments(el, index)...)
	})
}

// postDate prefers the machine-readable datetime attribute over
// whatever localized text the element renders.
func (c *Client) postDate(el *goquery.Selection) string {
	sel, _, err := c.Chains.PostDate.SelectOne(el)
	if err != nil {
		return ""
	}
	if dt, ok := sel.Attr("datetime"); ok && dt != "" {
		return dt
	}
	if ts, ok := sel.Attr("data-timestamp"); ok && ts != "" {
		return ts
	}
	return htmlutil.SelectionText(sel)
}

func (c *Client) postAttachments(el *goquery.Selection, postIndex int) []Attachment {
	links, _, err := c.Chains.Attachments.Select(el)
	if err != nil {
		return nil
	}

	var out []Attachment
	links.Each(func(_ int, link *goquery.Selection) {
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		abs, err := c.ResolveURL(href)
		if err != nil {
			return
		}
		name := attachmentFilename(link, abs)
		if name == "" || !AllowedAssetFilename(name) {
			return
		}

		att := Attachment{
			Filename:  name,
			URL:       abs,
			PostIndex: postIndex,
		}
		if m := downloadsPattern.FindStringSubmatch(link.Parent().Text()); m != nil {
			att.Downloads, _ = strconv.Atoi(m[1])
		}
		out = append(out, att)
	})
	return out
}

// attachmentFilename takes the link text when it looks like a file
// name and falls back to the last URL path segment.
func attachmentFilename(link *goquery.Selection, absUrl string) string {
	text := htmlutil.SelectionText(link)
	if text != "" && path.Ext(text) != "" {
		if clean, err := assetsink.Sanitize(text); err == nil {
			return clean
		}
	}

	u, err := url.Parse(absUrl)
	if err != nil {
		return ""
	}
	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	// WoltLab attachment slugs look like "12345-macro-xml"; recover
	// the extension from the trailing segment
	if path.Ext(base) == "" {
		if i := strings.LastIndex(base, "-"); i > 0 {
			candidate := base[:i] + "." + base[i+1:]
			if AllowedAssetFilename(candidate) {
				base = candidate
			}
		}
	}
	clean, err := assetsink.Sanitize(base)
	if err != nil {
		return ""
	}
	return clean
}

// StatAsset issues a HEAD request to read an attachment's validators
// without downloading the payload.
func (c *Client) StatAsset(ctx context.Context, assetUrl string) (AssetMeta, error) {
	ctx, span := tracer.Start(ctx, "client:StatAsset")
	defer span.End()

	res, err := c.head(ctx, assetUrl)
	if err != nil {
		span.SetStatus(codes.Error, "head request failed")
		return AssetMeta{}, err
	}
	return metaFromHeaders(res.Header().Get("ETag"),
		res.Header().Get("Last-Modified"),
		res.Header().Get("Content-Type"),
		res.Header().Get("Content-Length"),
		assetUrl), nil
}

// DownloadAsset fetches an attachment's bytes along with the
// validators the server attached to this exact representation.
func (c *Client) DownloadAsset(ctx context.Context, assetUrl string) ([]byte, AssetMeta, error) {
	ctx, span := tracer.Start(ctx, "client:DownloadAsset")
	defer span.End()

	res, err := c.get(ctx, assetUrl)
	if err != nil {
		span.SetStatus(codes.Error, "download failed")
		return nil, AssetMeta{}, err
	}
	body := res.Body()
	meta := metaFromHeaders(res.Header().Get("ETag"),
		res.Header().Get("Last-Modified"),
		res.Header().Get("Content-Type"),
		"",
		assetUrl)
	meta.Size = int64(len(body))
	span.SetAttributes(attribute.Int64("size", meta.Size))
	return body, meta, nil
}

func metaFromHeaders(etag, lastModified, contentType, contentLength, assetUrl string) AssetMeta {
	meta := AssetMeta{
		ETag:         etag,
		LastModified: lastModified,
		MimeType:     contentType,
	}
	if i := strings.Index(meta.MimeType, ";"); i >= 0 {
		meta.MimeType = strings.TrimSpace(meta.MimeType[:i])
	}
	if meta.MimeType == "" || meta.MimeType == "application/octet-stream" {
		if u, err := url.Parse(assetUrl); err == nil {
			if byExt := mime.TypeByExtension(path.Ext(u.Path)); byExt != "" {
				meta.MimeType = byExt
			}
		}
	}
	if contentLength != "" {
		if n, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
			meta.Size = n
		}
	}
	return meta
}

// SelectorStats reports per-chain hit counters for the run summary.
func (c *Client) SelectorStats() []selectorchain.Stats {
	return c.Registry.Stats()
}
