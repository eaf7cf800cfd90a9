// Package woltlab scrapes WoltLab Burning Board forums: board index
// pages, multi-page threads and their attachments.
package woltlab

import (
	"bytes"
	"context"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"time"

	"forumminer/lib/retry"
	"forumminer/lib/selectorchain"
	"forumminer/lib/telemetry"
	"forumminer/lib/throttle"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/woltlab")

// ErrForeignHost is returned when a link leads off the configured
// forum host. Scraping stays inside the one site it was pointed at.
var ErrForeignHost = fmt.Errorf("url is outside the configured forum host")

type Client struct {
	BaseUrl  *url.URL
	Http     *resty.Client
	Policy   retry.Policy
	Chains   *Chains
	Registry *selectorchain.Registry
}

type ClientOptions struct {
	BaseUrl   string
	UserAgent string
	Timeout   time.Duration
	Throttler *throttle.Throttler
	// retries after the initial attempt; zero means the default of 5
	MaxRetries     int
	InitialBackoff time.Duration
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}
	if baseUrl.Hostname() == "" {
		return nil, fmt.Errorf("base url %q has no host", opts.BaseUrl)
	}

	client := resty.New()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"
	}
	client.SetHeader("user-agent", userAgent)
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second * 30
	}
	client.SetTimeout(timeout)

	telemetry.InstrumentResty(client, "scrapers/woltlab/http")

	registry := &selectorchain.Registry{}
	chains := newChains(registry)

	return &Client{
		BaseUrl: baseUrl,
		Http:    client,
		Policy: retry.Policy{
			MaxRetries:     opts.MaxRetries,
			InitialBackoff: opts.InitialBackoff,
			Throttler:      opts.Throttler,
		},
		Chains:   chains,
		Registry: registry,
	}, nil
}

// ResolveURL makes href absolute against the forum base and verifies
// it stays on the forum's host.
func (c *Client) ResolveURL(href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	abs := c.BaseUrl.ResolveReference(ref)
	if abs.Hostname() != c.BaseUrl.Hostname() {
		return "", fmt.Errorf("%w: %s", ErrForeignHost, abs.String())
	}
	return abs.String(), nil
}

func (c *Client) get(ctx context.Context, pageUrl string) (*resty.Response, error) {
	if _, err := c.ResolveURL(pageUrl); err != nil {
		return nil, err
	}
	return retry.Do(ctx, c.Policy, func(ctx context.Context) (*resty.Response, error) {
		return c.Http.R().SetContext(ctx).Get(pageUrl)
	})
}

func (c *Client) head(ctx context.Context, pageUrl string) (*resty.Response, error) {
	if _, err := c.ResolveURL(pageUrl); err != nil {
		return nil, err
	}
	return retry.Do(ctx, c.Policy, func(ctx context.Context) (*resty.Response, error) {
		return c.Http.R().SetContext(ctx).Head(pageUrl)
	})
}

func (c *Client) getDoc(ctx context.Context, pageUrl string) (*goquery.Document, error) {
	ctx, span := tracer.Start(ctx, "client:getDoc")
	defer span.End()

	res, err := c.get(ctx, pageUrl)
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch")
		span.RecordError(err)
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		span.SetStatus(codes.Error, "failed to parse html")
		return nil, err
	}
	return doc, nil
}

// pageUrl appends the WoltLab page-number query parameter for pages
// past the first.
func pageUrl(base string, page int) string {
	if page <= 1 {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("pageNo", fmt.Sprint(page))
	u.RawQuery = q.Encode()
	return u.String()
}
