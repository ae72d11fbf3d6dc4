// Package webclient fetches pages for scanning tasks. Backends are looked up
// by name so a task never cares whether a page came from net/http or a
// headless browser.
package webclient

import (
	"context"
	"net/http"
	"time"
)

type WebClient interface {
	Do(ctx context.Context, req *Request) (*Response, error)
	Get(ctx context.Context, url string) (*Response, error)
	Close() error
}

type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

type Response struct {
	Request    *Request
	Headers    http.Header
	Body       []byte
	StatusCode int
	// FinalURL is the URL after redirects.
	FinalURL  string
	FetchedAt time.Time
}
