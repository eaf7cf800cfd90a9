// Package selectorchain implements CSS selector fallback chains.
//
// Forum templates drift: a class gets renamed, a wrapper div appears,
// and a single hardcoded selector silently stops matching. A chain
// declares alternatives in preference order and records which one
// actually fired, so a rising fallback rate can be spotted in
// telemetry before the primary selector goes completely stale.
package selectorchain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"forumminer/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("forumminer/selectorchain")
var fallbackCounter, _ = meter.Int64Counter("selector_fallback_hits")
var missCounter, _ = meter.Int64Counter("selector_misses")

// ErrNoMatch is returned when every selector in a chain came up
// empty. Callers decide whether the missing field is fatal for the
// record; the chain itself never treats a miss as an error worth
// aborting over.
var ErrNoMatch = errors.New("no selector in chain matched")

// Stats is a point-in-time copy of a chain's hit counters.
type Stats struct {
	Name     string
	Primary  int64
	Fallback int64
	Misses   int64
}

// Chain tries a fixed list of selectors in declaration order and
// reports the index of the one that matched. Chains are safe for
// concurrent use; the last-successful index is only an optimization
// and never changes which results are returned.
type Chain struct {
	name      string
	selectors []string

	lastHit  atomic.Int64
	primary  atomic.Int64
	fallback atomic.Int64
	misses   atomic.Int64
}

func New(name string, selectors ...string) *Chain {
	if len(selectors) == 0 {
		panic("selectorchain: chain needs at least one selector")
	}
	return &Chain{name: name, selectors: selectors}
}

func (c *Chain) Name() string { return c.name }

// SelectOne returns the first element matched by the chain and the
// index of the selector that produced it.
func (c *Chain) SelectOne(root *goquery.Selection) (*goquery.Selection, int, error) {
	// Cheap fast path: the selector that worked last time usually
	// still works.
	last := int(c.lastHit.Load())
	if last < len(c.selectors) {
		sel := root.Find(c.selectors[last])
		if sel.Length() > 0 {
			c.recordHit(last)
			return sel.First(), last, nil
		}
	}

	for i, query := range c.selectors {
		if i == last {
			continue
		}
		sel := root.Find(query)
		if sel.Length() > 0 {
			c.lastHit.Store(int64(i))
			c.recordHit(i)
			return sel.First(), i, nil
		}
	}

	c.recordMiss()
	return nil, 0, ErrNoMatch
}

// Select returns all elements matched by the first selector that
// matches anything at all.
func (c *Chain) Select(root *goquery.Selection) (*goquery.Selection, int, error) {
	last := int(c.lastHit.Load())
	if last < len(c.selectors) {
		sel := root.Find(c.selectors[last])
		if sel.Length() > 0 {
			c.recordHit(last)
			return sel, last, nil
		}
	}

	for i, query := range c.selectors {
		if i == last {
			continue
		}
		sel := root.Find(query)
		if sel.Length() > 0 {
			c.lastHit.Store(int64(i))
			c.recordHit(i)
			return sel, i, nil
		}
	}

	c.recordMiss()
	return nil, 0, ErrNoMatch
}

// Text resolves the chain to the first selector yielding a non-empty
// normalized text value. A selector whose element exists but holds no
// text counts as a miss for that selector and the chain moves on.
func (c *Chain) Text(root *goquery.Selection) (string, int, error) {
	for i, query := range c.selectors {
		text := htmlutil.SelectionText(root.Find(query).First())
		if text != "" {
			c.lastHit.Store(int64(i))
			c.recordHit(i)
			return text, i, nil
		}
	}
	c.recordMiss()
	return "", 0, ErrNoMatch
}

func (c *Chain) recordHit(index int) {
	if index == 0 {
		c.primary.Add(1)
		return
	}
	c.fallback.Add(1)
	fallbackCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("chain", c.name),
		attribute.Int("strategy_index", index),
	))
}

func (c *Chain) recordMiss() {
	c.misses.Add(1)
	missCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("chain", c.name),
	))
}

func (c *Chain) Stats() Stats {
	return Stats{
		Name:     c.name,
		Primary:  c.primary.Load(),
		Fallback: c.fallback.Load(),
		Misses:   c.misses.Load(),
	}
}

// Registry aggregates the chains used in one scrape so the run
// summary can report markup drift in one place.
type Registry struct {
	mu     sync.Mutex
	chains []*Chain
}

func (r *Registry) Register(chains ...*Chain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains = append(r.chains, chains...)
}

func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, len(r.chains))
	for i, c := range r.chains {
		out[i] = c.Stats()
	}
	return out
}
