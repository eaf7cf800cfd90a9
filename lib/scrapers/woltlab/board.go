package woltlab

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"forumminer/lib/forumstate"
	"forumminer/lib/htmlutil"
	"forumminer/lib/retry"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ThreadRef is one row of the board index: enough to decide whether
// the thread needs a visit, without fetching it.
type ThreadRef struct {
	ThreadID   string
	URL        string
	Title      string
	ReplyCount int
	Views      int
}

var (
	repliesPattern   = regexp.MustCompile(`(?i)(\d+)\s*(?:replies|antworten)`)
	viewsPattern     = regexp.MustCompile(`(?i)(\d+)\s*(?:views|ansichten)`)
	pagePathPattern  = regexp.MustCompile(`/page/(\d+)/?`)
	pageQueryPattern = regexp.MustCompile(`pageNo=(\d+)`)
	pageOfPattern    = regexp.MustCompile(`(?i)page\s+(\d+)\s+of\s+(\d+)`)
)

// maxProbePages bounds the blind-probe fallback when a page carries
// no navigation markup at all.
const maxProbePages = 30

// detectMaxPage tries three ways of reading the page count off a
// document, in order of reliability. Returns 0 when nothing on the
// page says how many pages there are.
func detectMaxPage(doc *goquery.Document) int {
	max := 0

	doc.Find(".pageNavigation a").Each(func(_ int, sel *goquery.Selection) {
		if n, err := strconv.Atoi(strings.TrimSpace(sel.Text())); err == nil && n > max {
			max = n
		}
		if attr, ok := sel.Attr("data-page"); ok {
			if n, err := strconv.Atoi(attr); err == nil && n > max {
				max = n
			}
		}
	})
	if max > 0 {
		return max
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		for _, pattern := range []*regexp.Regexp{pagePathPattern, pageQueryPattern} {
			if m := pattern.FindStringSubmatch(href); m != nil {
				if n, err := strconv.Atoi(m[1]); err == nil && n > max {
					max = n
				}
			}
		}
	})
	if max > 0 {
		return max
	}

	if m := pageOfPattern.FindStringSubmatch(doc.Text()); m != nil {
		if n, err := strconv.Atoi(m[2]); err == nil {
			return n
		}
	}
	return 0
}

// DiscoverThreads walks every page of a board index and returns the
// threads it links to, deduplicated by thread id. Board rows carry
// reply and view counts, which drive change detection downstream.
func (c *Client) DiscoverThreads(ctx context.Context, boardUrl string) ([]ThreadRef, error) {
	ctx, span := tracer.Start(ctx, "client:DiscoverThreads")
	defer span.End()

	doc, err := c.getDoc(ctx, boardUrl)
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch board index")
		return nil, err
	}

	seen := map[string]bool{}
	var refs []ThreadRef
	appendPage := func(doc *goquery.Document) int {
		added := 0
		for _, ref := range c.threadRefsFromPage(doc) {
			if seen[ref.ThreadID] {
				continue
			}
			seen[ref.ThreadID] = true
			refs = append(refs, ref)
			added++
		}
		return added
	}
	appendPage(doc)

	maxPage := detectMaxPage(doc)
	if maxPage > 0 {
		for page := 2; page <= maxPage; page++ {
			doc, err := c.getDoc(ctx, pageUrl(boardUrl, page))
			if err != nil {
				return refs, err
			}
			appendPage(doc)
		}
	} else {
		// no navigation markup: probe forward until a page stops
		// yielding new threads
		for page := 2; page <= maxProbePages; page++ {
			doc, err := c.getDoc(ctx, pageUrl(boardUrl, page))
			if err != nil {
				// a 404 past the last page ends the probe cleanly
				var fatal *retry.FatalStatusError
				if errors.As(err, &fatal) {
					break
				}
				return refs, err
			}
			if appendPage(doc) == 0 {
				break
			}
		}
	}

	span.SetAttributes(attribute.Int("threads", len(refs)))
	slog.InfoContext(ctx, "discovered threads", "board", boardUrl, "count", len(refs))
	return refs, nil
}

func (c *Client) threadRefsFromPage(doc *goquery.Document) []ThreadRef {
	links, _, err := c.Chains.ThreadLinks.Select(doc.Selection)
	if err != nil {
		return nil
	}

	var refs []ThreadRef
	links.Each(func(_ int, link *goquery.Selection) {
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		abs, err := c.ResolveURL(href)
		if err != nil {
			return
		}
		id := forumstate.ThreadIDFromURL(abs)
		if id == "" {
			return
		}

		ref := ThreadRef{
			ThreadID: id,
			URL:      abs,
			Title:    htmlutil.SelectionText(link),
		}
		ref.ReplyCount, ref.Views = c.statsForRow(link)
		refs = append(refs, ref)
	})
	return refs
}

// statsForRow reads reply/view counts from the board row containing a
// thread link. The counts live in a sibling element, so the search
// climbs to the row container first.
func (c *Client) statsForRow(link *goquery.Selection) (replies, views int) {
	row := link.Closest("li, tr, .wbbTopicItem, article, .tabularBox")
	if row.Length() == 0 {
		row = link.Parent()
	}

	text := row.Text()
	if sel, _, err := c.Chains.ThreadStats.SelectOne(row); err == nil {
		text = sel.Text()
	}
	return parseStats(text)
}

func parseStats(text string) (replies, views int) {
	if m := repliesPattern.FindStringSubmatch(text); m != nil {
		replies, _ = strconv.Atoi(m[1])
	}
	if m := viewsPattern.FindStringSubmatch(text); m != nil {
		views, _ = strconv.Atoi(m[1])
	}
	return replies, views
}
