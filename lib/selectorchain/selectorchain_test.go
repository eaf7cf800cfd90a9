package selectorchain

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func doc(t *testing.T, body string) *goquery.Selection {
	d, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	require.NoError(t, err)
	return d.Selection
}

func TestPrimaryWins(t *testing.T) {
	chain := New("thread_title", "h1.topic-title", ".contentTitle")
	root := doc(t, `<h1 class="topic-title">Abort out of macro</h1><div class="contentTitle">wrong</div>`)

	text, index, err := chain.Text(root)
	require.NoError(t, err)
	require.Equal(t, "Abort out of macro", text)
	require.Equal(t, 0, index)

	stats := chain.Stats()
	require.EqualValues(t, 1, stats.Primary)
	require.EqualValues(t, 0, stats.Fallback)
}

func TestFallbackIndexReported(t *testing.T) {
	chain := New("thread_title", "h1.topic-title", ".contentTitle")
	root := doc(t, `<div class="contentTitle">Abort out of macro</div>`)

	text, index, err := chain.Text(root)
	require.NoError(t, err)
	require.Equal(t, "Abort out of macro", text)
	require.Equal(t, 1, index)

	stats := chain.Stats()
	require.EqualValues(t, 0, stats.Primary)
	require.EqualValues(t, 1, stats.Fallback)
}

func TestAllSelectorsMiss(t *testing.T) {
	chain := New("thread_title", "h1.topic-title", ".contentTitle")
	root := doc(t, `<p>nothing useful here</p>`)

	_, _, err := chain.Text(root)
	require.ErrorIs(t, err, ErrNoMatch)
	require.EqualValues(t, 1, chain.Stats().Misses)

	_, _, err = chain.SelectOne(root)
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestEmptyElementFallsThrough(t *testing.T) {
	chain := New("thread_title", "h1.topic-title", ".contentTitle")
	root := doc(t, `<h1 class="topic-title">   </h1><div class="contentTitle">real title</div>`)

	text, index, err := chain.Text(root)
	require.NoError(t, err)
	require.Equal(t, "real title", text)
	require.Equal(t, 1, index)
}

func TestSelectList(t *testing.T) {
	chain := New("post_elements", "article.message", ".post")
	root := doc(t, `<div class="post">a</div><div class="post">b</div>`)

	sel, index, err := chain.Select(root)
	require.NoError(t, err)
	require.Equal(t, 1, index)
	require.Equal(t, 2, sel.Length())
}

func TestLastHitOptimizationKeepsOrderSemantics(t *testing.T) {
	chain := New("thread_title", "h1.topic-title", ".contentTitle")

	// prime the fallback index
	_, index, err := chain.SelectOne(doc(t, `<div class="contentTitle">x</div>`))
	require.NoError(t, err)
	require.Equal(t, 1, index)

	// a document matching both must still resolve, via the cached
	// selector first
	sel, index, err := chain.SelectOne(doc(t, `<h1 class="topic-title">p</h1><div class="contentTitle">f</div>`))
	require.NoError(t, err)
	require.Equal(t, 1, index)
	require.Equal(t, "f", sel.Text())
}

func TestRegistry(t *testing.T) {
	a := New("a", ".a")
	b := New("b", ".b")
	reg := &Registry{}
	reg.Register(a, b)

	_, _, _ = a.SelectOne(doc(t, `<div class="a"></div>`))

	stats := reg.Stats()
	require.Len(t, stats, 2)
	require.Equal(t, "a", stats[0].Name)
	require.EqualValues(t, 1, stats[0].Primary)
}
