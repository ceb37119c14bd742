// Package cdp feeds request lifecycle events from a Chromium browser into the
// engine over the DevTools protocol. Each page target is one channel.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/psantana5/reqcorr/pkg/logging"
	"github.com/psantana5/reqcorr/pkg/models"
)

const (
	requestCacheSize = 4096
	requestCacheTTL  = 5 * time.Minute
)

// Handler receives translated lifecycle events
type Handler interface {
	OnSendHeaders(ctx context.Context, ev models.SendHeadersEvent) error
	OnBeforeRequest(ctx context.Context, ev models.BeforeRequestEvent) error
	OnResponseStarted(ctx context.Context, ev models.ResponseStartedEvent) error
	OnChannelClosed(ctx context.Context, ev models.ChannelClosedEvent) error
}

// Config selects the browser to attach to
type Config struct {
	// ControlURL is the DevTools websocket of a running browser.
	// When empty a local browser is launched.
	ControlURL string
	Headless   bool
	// StartURL, if set, is opened in a new page once attached
	StartURL string
}

type requestInfo struct {
	method    string
	initiator *string
}

// Source watches every page of a browser
type Source struct {
	cfg      Config
	handler  Handler
	logger   *logging.Logger
	browser  *rod.Browser
	launcher *launcher.Launcher

	requests *expirable.LRU[string, requestInfo]

	mu      sync.Mutex
	watched map[proto.TargetTargetID]struct{}
	wg      sync.WaitGroup
}

// NewSource creates a source. Nothing is started until Run.
func NewSource(cfg Config, handler Handler, logger *logging.Logger) *Source {
	return &Source{
		cfg:      cfg,
		handler:  handler,
		logger:   logger.WithField("component", "cdp"),
		requests: expirable.NewLRU[string, requestInfo](requestCacheSize, nil, requestCacheTTL),
		watched:  make(map[proto.TargetTargetID]struct{}),
	}
}

// Connect attaches to the configured browser, launching one if needed
func (s *Source) Connect(ctx context.Context) error {
	controlURL := s.cfg.ControlURL
	if controlURL == "" {
		s.launcher = launcher.New().Context(ctx).Headless(s.cfg.Headless)
		u, err := s.launcher.Launch()
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to %s: %w", controlURL, err)
	}
	s.browser = browser

	s.logger.Info("Attached to browser", map[string]interface{}{
		"control_url": controlURL,
		"launched":    s.launcher != nil,
	})
	return nil
}

// Run watches all existing and future pages until ctx is done
func (s *Source) Run(ctx context.Context) error {
	if s.browser == nil {
		return errors.New("cdp source is not connected")
	}
	browser := s.browser.Context(ctx)

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(browser); err != nil {
		return fmt.Errorf("discover targets: %w", err)
	}

	pages, err := browser.Pages()
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	for _, page := range pages {
		s.watch(ctx, page)
	}

	if s.cfg.StartURL != "" {
		page, err := browser.Page(proto.TargetCreateTarget{URL: s.cfg.StartURL})
		if err != nil {
			return fmt.Errorf("open %s: %w", s.cfg.StartURL, err)
		}
		s.watch(ctx, page)
	}

	wait := browser.EachEvent(
		func(e *proto.TargetTargetCreated) {
			if e.TargetInfo == nil || e.TargetInfo.Type != proto.TargetTargetInfoTypePage {
				return
			}
			page, err := browser.PageFromTarget(e.TargetInfo.TargetID)
			if err != nil {
				s.logger.Warn("Failed to attach to page", map[string]interface{}{
					"target": e.TargetInfo.TargetID,
					"error":  err,
				})
				return
			}
			s.watch(ctx, page)
		},
		func(e *proto.TargetTargetDestroyed) {
			s.closeChannel(ctx, e.TargetID)
		},
	)
	wait()

	s.wg.Wait()
	return ctx.Err()
}

// Close releases the browser. A launched browser is killed; a browser
// reached through ControlURL is left running.
func (s *Source) Close() error {
	if s.launcher == nil {
		return nil
	}
	var err error
	if s.browser != nil {
		err = s.browser.Close()
	}
	s.launcher.Kill()
	return err
}

// Watched returns the number of pages being watched
func (s *Source) Watched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watched)
}

func (s *Source) watch(ctx context.Context, page *rod.Page) {
	if !s.track(page.TargetID) {
		return
	}
	channelID := string(page.TargetID)

	wait := page.Context(ctx).EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			s.requestWillBeSent(ctx, channelID, e)
		},
		func(e *proto.NetworkResponseReceived) {
			s.responseReceived(ctx, channelID, e)
		},
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		wait()
	}()

	s.logger.Debug("Watching page", map[string]interface{}{"channel_id": channelID})
}

// track marks id as watched and reports whether it was new
func (s *Source) track(id proto.TargetTargetID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watched[id]; ok {
		return false
	}
	s.watched[id] = struct{}{}
	return true
}

func (s *Source) closeChannel(ctx context.Context, id proto.TargetTargetID) {
	s.mu.Lock()
	_, ok := s.watched[id]
	delete(s.watched, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.report("channel_closed", s.handler.OnChannelClosed(ctx, models.ChannelClosedEvent{ChannelID: string(id)}))
}

// requestWillBeSent delivers the body phase before the header phase, so a
// captured body is buffered by the time its request is forwarded
func (s *Source) requestWillBeSent(ctx context.Context, channelID string, e *proto.NetworkRequestWillBeSent) {
	if e.Request == nil {
		return
	}

	headers := SendHeaders(channelID, e)
	s.requests.Add(string(e.RequestID), requestInfo{method: headers.Method, initiator: headers.Initiator})

	// a redirect hop reuses the request id; its phases were already sent
	if e.RedirectResponse != nil {
		return
	}

	if body, ok := BeforeRequest(channelID, e); ok {
		s.report("before_request", s.handler.OnBeforeRequest(ctx, body))
	}
	s.report("send_headers", s.handler.OnSendHeaders(ctx, headers))
}

func (s *Source) responseReceived(ctx context.Context, channelID string, e *proto.NetworkResponseReceived) {
	info, _ := s.requests.Get(string(e.RequestID))
	s.requests.Remove(string(e.RequestID))

	s.report("response_started", s.handler.OnResponseStarted(ctx, ResponseStarted(channelID, e, info.method, info.initiator)))
}

func (s *Source) report(phase string, err error) {
	if err == nil {
		return
	}
	s.logger.Warn("Event rejected", map[string]interface{}{
		"phase": phase,
		"error": err,
	})
}
