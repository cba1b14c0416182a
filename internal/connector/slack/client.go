// Package slack adapts the Slack Web API to the connector read and write
// boundaries.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// API is the subset of *slackapi.Client the adapters call.
type API interface {
	GetConversationsContext(ctx context.Context, params *slackapi.GetConversationsParameters) ([]slackapi.Channel, string, error)
	GetConversationHistoryContext(ctx context.Context, params *slackapi.GetConversationHistoryParameters) (*slackapi.GetConversationHistoryResponse, error)
	GetUsersContext(ctx context.Context, options ...slackapi.GetUsersOption) ([]slackapi.User, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	ArchiveConversationContext(ctx context.Context, channelID string) error
}

var _ API = (*slackapi.Client)(nil)

// Options configures a client built by NewAPI.
type Options struct {
	// APIURL overrides https://slack.com/api/; it must end in a slash.
	APIURL     string
	HTTPClient *http.Client
}

func NewAPI(token string, opts Options) *slackapi.Client {
	var options []slackapi.Option
	if opts.APIURL != "" {
		u := opts.APIURL
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		options = append(options, slackapi.OptionAPIURL(u))
	}
	if opts.HTTPClient != nil {
		options = append(options, slackapi.OptionHTTPClient(opts.HTTPClient))
	}
	return slackapi.New(token, options...)
}

// NewLimiter returns a limiter allowing perSecond calls with the given burst.
// perSecond <= 0 disables pacing.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Directory resolves channel names and user ids. It is shared by a Reader
// and a Writer so both see the same cache.
type Directory struct {
	API     API
	Limiter *rate.Limiter
	Logger  *zap.Logger

	mu       sync.Mutex
	byName   map[string]string
	byID     map[string]string
	users    map[string]string
	usersAt  time.Time
	usersTTL time.Duration
}

func NewDirectory(api API, limiter *rate.Limiter, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		API:      api,
		Limiter:  limiter,
		Logger:   logger,
		byName:   map[string]string{},
		byID:     map[string]string{},
		usersTTL: time.Hour,
	}
}

func (d *Directory) wait(ctx context.Context) error {
	if d.Limiter == nil {
		return nil
	}
	return d.Limiter.Wait(ctx)
}

// looksLikeID reports whether s is a channel id rather than a name.
func looksLikeID(s string) bool {
	if len(s) < 2 {
		return false
	}
	if s[0] != 'C' && s[0] != 'G' {
		return false
	}
	return strings.ToUpper(s) == s
}

func (d *Directory) remember(channels []slackapi.Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range channels {
		d.byName[ch.Name] = ch.ID
		d.byID[ch.ID] = ch.Name
	}
}

// listChannels pages through conversations.list.
func (d *Directory) listChannels(ctx context.Context, excludeArchived bool) ([]slackapi.Channel, error) {
	var all []slackapi.Channel
	cursor := ""
	for {
		if err := d.wait(ctx); err != nil {
			return nil, err
		}
		page, next, err := d.API.GetConversationsContext(ctx, &slackapi.GetConversationsParameters{
			ExcludeArchived: excludeArchived,
			Types:           []string{"public_channel", "private_channel"},
			Limit:           200,
			Cursor:          cursor,
		})
		if err != nil {
			return nil, fmt.Errorf("conversations.list: %w", describe(err))
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		cursor = next
	}
	d.remember(all)
	return all, nil
}

// Resolve turns "#general", "general" or "C0123" into a channel id and,
// when known, its name.
func (d *Directory) Resolve(ctx context.Context, channel string) (id, name string, err error) {
	channel = strings.TrimPrefix(strings.TrimSpace(channel), "#")
	if channel == "" {
		return "", "", errors.New("empty channel")
	}
	d.mu.Lock()
	if looksLikeID(channel) {
		name := d.byID[channel]
		d.mu.Unlock()
		return channel, name, nil
	}
	id, ok := d.byName[channel]
	d.mu.Unlock()
	if ok {
		return id, channel, nil
	}
	if _, err := d.listChannels(ctx, false); err != nil {
		return "", "", err
	}
	d.mu.Lock()
	id, ok = d.byName[channel]
	d.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("channel not found: %s", channel)
	}
	return id, channel, nil
}

// UserName returns the handle for a user id. users.list is loaded on first
// use and refreshed after usersTTL; a failed load is logged, leaves names
// empty and is not retried before the TTL passes.
func (d *Directory) UserName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	d.mu.Lock()
	stale := d.usersAt.IsZero() || time.Since(d.usersAt) > d.usersTTL
	d.mu.Unlock()
	if stale {
		d.loadUsers(ctx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.users[userID]
}

func (d *Directory) loadUsers(ctx context.Context) {
	users := map[string]string{}
	err := d.wait(ctx)
	if err == nil {
		var list []slackapi.User
		list, err = d.API.GetUsersContext(ctx)
		for _, u := range list {
			users[u.ID] = u.Name
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.usersAt = time.Now()
	if err != nil {
		d.Logger.Warn("users.list failed, participant names unavailable", zap.Error(describe(err)))
		return
	}
	d.users = users
}

// describe adds the retry hint to rate-limit errors.
func describe(err error) error {
	var rl *slackapi.RateLimitedError
	if errors.As(err, &rl) {
		return fmt.Errorf("rate limited, retry after %s: %w", rl.RetryAfter, err)
	}
	return err
}

// ParseTS converts a Slack message timestamp ("1700000000.000100") to a time.
func ParseTS(ts string) (time.Time, error) {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ts %q", ts)
	}
	var micros int64
	if frac != "" {
		for len(frac) < 6 {
			frac += "0"
		}
		micros, err = strconv.ParseInt(frac[:6], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid ts %q", ts)
		}
	}
	return time.Unix(s, micros*1000).UTC(), nil
}

// FormatTS is the inverse of ParseTS with microsecond precision.
func FormatTS(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}
