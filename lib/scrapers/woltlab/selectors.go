package woltlab

import "forumminer/lib/selectorchain"

// Chains holds the selector fallback chains for every field the
// scraper extracts. WoltLab skins rename classes between versions, so
// each chain covers the variants seen in the wild, most specific
// first.
type Chains struct {
	ThreadLinks  *selectorchain.Chain
	ThreadTitle  *selectorchain.Chain
	ThreadStats  *selectorchain.Chain
	PostElements *selectorchain.Chain
	PostAuthor   *selectorchain.Chain
	PostDate     *selectorchain.Chain
	PostContent  *selectorchain.Chain
	Attachments  *selectorchain.Chain
}

func newChains(registry *selectorchain.Registry) *Chains {
	c := &Chains{
		ThreadLinks: selectorchain.New("thread_links",
			"a.wbbTopicLink",
			`a[href*="/forum/thread/"]`,
			".topicLink",
			"a[data-topic-id]",
		),
		ThreadTitle: selectorchain.New("thread_title",
			"h1.topic-title",
			".contentTitle",
			`h1[itemprop="headline"]`,
			".topicHeader h1",
			"article.message:first-child h2",
		),
		ThreadStats: selectorchain.New("thread_stats",
			".stats",
			".threadStats",
			"[data-stats]",
			".topicStats",
		),
		PostElements: selectorchain.New("post_elements",
			"article.message",
			".message",
			`[data-role="message"]`,
			".post",
			".forumPost",
		),
		PostAuthor: selectorchain.New("post_author",
			".username",
			".author",
			`[itemprop="author"]`,
			".postAuthor",
			".userInfo h3",
		),
		PostDate: selectorchain.New("post_date",
			"time[datetime]",
			".datetime",
			"[data-timestamp]",
			".postDate",
		),
		PostContent: selectorchain.New("post_content",
			".messageContent",
			".messageText",
			`[itemprop="text"]`,
			".postContent",
			".postBody",
		),
		Attachments: selectorchain.New("attachments",
			`.attachmentList a[href*="/attachment/"]`,
			`a.attachment[href*="/attachment/"]`,
			"[data-attachment] a",
			`a[href*="/attachment/"]`,
		),
	}
	registry.Register(
		c.ThreadLinks, c.ThreadTitle, c.ThreadStats, c.PostElements,
		c.PostAuthor, c.PostDate, c.PostContent, c.Attachments,
	)
	return c
}
