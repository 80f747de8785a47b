package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/harun/toolbridge/internal/observability"
	"github.com/harun/toolbridge/pkg/problem"
	"github.com/rs/zerolog"
)

// BrowserOptions configures the browser sandbox.
type BrowserOptions struct {
	// AllowedDomains is the navigation allowlist. Deny-by-default: an
	// empty list denies every navigation.
	AllowedDomains []string
	// BlockedDomains is checked after the allowlist and wins over it.
	BlockedDomains []string
	AllowLocalhost bool
	AllowFileURLs  bool
	// Timeout bounds one navigation end to end.
	Timeout time.Duration
}

// URLValidator enforces the navigation security policy.
type URLValidator struct {
	opts BrowserOptions
}

// NewURLValidator creates a validator for the given policy
func NewURLValidator(opts BrowserOptions) *URLValidator {
	return &URLValidator{opts: opts}
}

// Validate checks a navigation target against the policy. Every denial is
// a NavigationDenied problem.
func (v *URLValidator) Validate(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" && parsed.Scheme != "file" {
		return problem.Newf(problem.KindNavigationDenied, "invalid navigation target %q", rawURL)
	}

	switch parsed.Scheme {
	case "http", "https":
	case "file":
		if !v.opts.AllowFileURLs {
			return problem.New(problem.KindNavigationDenied, "file:// URLs are not allowed")
		}
		return nil
	default:
		return problem.Newf(problem.KindNavigationDenied, "scheme %q is not allowed", parsed.Scheme)
	}

	host := hostWithoutPort(parsed.Host)

	if isLocalhost(host) {
		if !v.opts.AllowLocalhost {
			return problem.Newf(problem.KindNavigationDenied, "localhost target %s is not allowed", host)
		}
		return nil
	}

	for _, blocked := range v.opts.BlockedDomains {
		if matchDomain(host, blocked) {
			return problem.Newf(problem.KindNavigationDenied, "domain %s is blocked", host)
		}
	}

	for _, allowed := range v.opts.AllowedDomains {
		if matchDomain(host, allowed) {
			return nil
		}
	}
	return problem.Newf(problem.KindNavigationDenied, "domain %s is not in the allowlist", host)
}

func hostWithoutPort(host string) string {
	host = strings.ToLower(host)
	if idx := strings.LastIndex(host, ":"); idx != -1 && !strings.HasSuffix(host, "]") {
		host = host[:idx]
	}
	return strings.Trim(host, "[]")
}

func isLocalhost(host string) bool {
	return host == "localhost" ||
		host == "::1" ||
		host == "0.0.0.0" ||
		strings.HasPrefix(host, "127.") ||
		strings.HasPrefix(host, "localhost.")
}

// matchDomain checks a host against a domain pattern: exact, wildcard
// (*.example.com) or subdomain (.example.com).
func matchDomain(host, pattern string) bool {
	pattern = strings.ToLower(pattern)
	if host == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[2:]
		return strings.HasSuffix(host, "."+suffix) || host == suffix
	}
	if strings.HasPrefix(pattern, ".") {
		return strings.HasSuffix(host, pattern) || host == pattern[1:]
	}
	return false
}

// PageResult is what one navigation produced.
type PageResult struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	HTML  string `json:"html"`
}

// NavigateFunc performs one sandboxed navigation. It must honor ctx and
// release every browser resource it acquired before returning.
type NavigateFunc func(ctx context.Context, rawURL string) (*PageResult, error)

// BrowserExecutor runs browser tools inside an incognito page per call.
// The page is torn down whatever the outcome; a slow page costs at most
// the configured timeout.
type BrowserExecutor struct {
	opts      BrowserOptions
	validator *URLValidator
	navigate  NavigateFunc
	logger    zerolog.Logger

	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowserExecutor creates the browser sandbox executor
func NewBrowserExecutor(opts BrowserOptions, logger zerolog.Logger) *BrowserExecutor {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	e := &BrowserExecutor{
		opts:      opts,
		validator: NewURLValidator(opts),
		logger:    logger.With().Str("component", "browser_executor").Logger(),
	}
	e.navigate = e.rodNavigate
	return e
}

// Kind implements Executor
func (e *BrowserExecutor) Kind() Kind {
	return KindBrowser
}

// Execute validates the target against the allowlist, navigates with the
// browser timeout applied, and returns the rendered page.
func (e *BrowserExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	rawURL, _ := req.Arguments["url"].(string)
	if rawURL == "" {
		return nil, problem.New(problem.KindNavigationDenied, "url argument is required")
	}

	if err := e.validator.Validate(rawURL); err != nil {
		observability.RecordSecurityAudit(ctx, "navigate:"+rawURL, req.Principal, "denied", map[string]interface{}{
			"tool": req.Tool,
		})
		return nil, err
	}

	navCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	type outcome struct {
		page *PageResult
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		page, err := e.navigate(navCtx, rawURL)
		done <- outcome{page, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if navCtx.Err() == context.DeadlineExceeded {
				observability.RecordNavigationAudit(ctx, req.Principal, rawURL, "timeout", 0)
				return nil, problem.Newf(problem.KindBrowserTimeout,
					"navigation to %s exceeded %s", rawURL, e.opts.Timeout)
			}
			observability.RecordNavigationAudit(ctx, req.Principal, rawURL, "failure", 0)
			return nil, out.err
		}

		observability.RecordNavigationAudit(ctx, req.Principal, rawURL, "success", len(out.page.HTML))
		data, err := json.Marshal(out.page)
		if err != nil {
			return nil, problem.Wrap(problem.KindInternal, "failed to encode page result", err)
		}
		return &Result{Kind: KindBrowser, Data: data}, nil

	case <-navCtx.Done():
		// The navigate goroutine still owns its page and tears it down on
		// its own; the caller does not wait for that.
		observability.RecordNavigationAudit(ctx, req.Principal, rawURL, "timeout", 0)
		return nil, problem.Newf(problem.KindBrowserTimeout,
			"navigation to %s exceeded %s", rawURL, e.opts.Timeout)
	}
}

// rodNavigate opens an incognito page, loads the URL and extracts the
// result. The page is closed before returning, error or not.
func (e *BrowserExecutor) rodNavigate(ctx context.Context, rawURL string) (*PageResult, error) {
	browser, err := e.ensureBrowser()
	if err != nil {
		return nil, err
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, problem.Wrap(problem.KindInternal, "failed to open incognito context", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, problem.Wrap(problem.KindInternal, "failed to create page", err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to close browser page")
		}
	}()

	page = page.Context(ctx)

	if err := page.Navigate(rawURL); err != nil {
		return nil, problem.Wrap(problem.KindInternal, fmt.Sprintf("failed to navigate to %s", rawURL), err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, problem.Wrap(problem.KindInternal, "page load did not complete", err)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, problem.Wrap(problem.KindInternal, "failed to extract page HTML", err)
	}

	result := &PageResult{URL: rawURL, HTML: html}
	if info, err := page.Info(); err == nil {
		result.URL = info.URL
		result.Title = info.Title
	}
	return result, nil
}

// ensureBrowser lazily connects the shared browser process. Pages are
// per-call; the process is not.
func (e *BrowserExecutor) ensureBrowser() (*rod.Browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.browser != nil {
		return e.browser, nil
	}

	browser := rod.New()
	if err := browser.Connect(); err != nil {
		return nil, problem.Wrap(problem.KindInternal, "failed to connect to browser", err)
	}
	e.browser = browser
	e.logger.Info().Msg("Browser connected")
	return e.browser, nil
}

// Close shuts the shared browser process down.
func (e *BrowserExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.browser == nil {
		return nil
	}
	err := e.browser.Close()
	e.browser = nil
	return err
}
