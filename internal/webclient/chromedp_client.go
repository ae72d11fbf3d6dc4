package webclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/raysh454/vigil/internal/logging"
)

// ChromeDPClient renders pages in headless Chrome so script-injected markup
// (generator tags, framework globals) is visible to tech detection.
type ChromeDPClient struct {
	cfg         Config
	logger      logging.Logger
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

func NewChromeDPClient(cfg Config, logger logging.Logger) (*ChromeDPClient, error) {
	if logger == nil {
		logger = logging.Nop{}
	}
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", cfg.Headless))
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)

	l := logger.With(logging.Field{Key: "backend", Value: "chromedp"})
	l.Debug("created chromedp webclient", logging.Field{Key: "idle_after", Value: cfg.IdleAfter.String()})

	return &ChromeDPClient{cfg: cfg, logger: l, allocCtx: allocCtx, allocCancel: cancel}, nil
}

// waitNetworkIdle returns a channel that is closed once no request has been
// in flight for idleAfter.
func waitNetworkIdle(ctx context.Context, idleAfter time.Duration) <-chan struct{} {
	idle := make(chan struct{})
	var (
		active  int32
		timerMu sync.Mutex
		timer   *time.Timer
		once    sync.Once
	)
	arm := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(idleAfter, func() {
			if atomic.LoadInt32(&active) == 0 {
				once.Do(func() { close(idle) })
			}
		})
	}

	chromedp.ListenTarget(ctx, func(ev any) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			atomic.AddInt32(&active, 1)
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			if atomic.AddInt32(&active, -1) <= 0 {
				arm()
			}
		}
	})
	arm()
	return idle
}

// Do navigates to req.URL and returns the rendered outer HTML. Only GET is
// supported; response headers come from the main document response.
func (c *ChromeDPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if m := strings.ToUpper(req.Method); m != "" && m != http.MethodGet {
		return nil, fmt.Errorf("chromedp backend supports GET only, got %s", m)
	}

	tabCtx, cancel := chromedp.NewContext(c.allocCtx)
	defer cancel()
	if c.cfg.Timeout > 0 {
		tabCtx, cancel = context.WithTimeout(tabCtx, c.cfg.Timeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var (
		status  int64
		headers = http.Header{}
		hdrOnce sync.Once
	)
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			hdrOnce.Do(func() {
				status = e.Response.Status
				for k, v := range e.Response.Headers {
					headers.Set(k, fmt.Sprint(v))
				}
			})
		}
	})

	idleAfter := c.cfg.IdleAfter
	if idleAfter <= 0 {
		idleAfter = 2 * time.Second
	}
	idle := waitNetworkIdle(tabCtx, idleAfter)

	if err := chromedp.Run(tabCtx, network.Enable(), chromedp.Navigate(req.URL)); err != nil {
		c.logger.Warn("chromedp navigate failed",
			logging.Field{Key: "url", Value: req.URL},
			logging.Field{Key: "error", Value: err})
		return nil, fmt.Errorf("navigate: %w", err)
	}
	select {
	case <-idle:
	case <-tabCtx.Done():
		return nil, tabCtx.Err()
	}

	var html, finalURL string
	if err := chromedp.Run(tabCtx, chromedp.OuterHTML("html", &html), chromedp.Location(&finalURL)); err != nil {
		return nil, fmt.Errorf("read dom: %w", err)
	}
	body := []byte(html)
	if int64(len(body)) > c.cfg.maxBody() {
		body = body[:c.cfg.maxBody()]
	}

	return &Response{
		Request:    req,
		Headers:    headers,
		Body:       body,
		StatusCode: int(status),
		FinalURL:   finalURL,
		FetchedAt:  time.Now(),
	}, nil
}

func (c *ChromeDPClient) Get(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, URL: url})
}

func (c *ChromeDPClient) Close() error {
	c.allocCancel()
	return nil
}
