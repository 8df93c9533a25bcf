// Package endpoint points SDK clients with fixed API hosts at another base URL.
package endpoint

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Client returns a copy of c whose requests go to baseURL instead of the
// host the caller built them for. The request path is appended to the path
// of baseURL. An empty baseURL returns c unchanged.
func Client(c *http.Client, baseURL string) (*http.Client, error) {
	if c == nil {
		c = &http.Client{}
	}
	if baseURL == "" {
		return c, nil
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}

	next := c.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	out := *c
	out.Transport = &rebase{base: base, next: next}
	return &out, nil
}

type rebase struct {
	base *url.URL
	next http.RoundTripper
}

func (r *rebase) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = r.base.Scheme
	out.URL.Host = r.base.Host
	out.URL.Path = strings.TrimRight(r.base.Path, "/") + req.URL.Path
	out.URL.RawPath = ""
	out.Host = ""
	return r.next.RoundTrip(out)
}
