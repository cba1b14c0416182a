package slack

import (
	"context"
	"errors"
	"fmt"
	"time"

	slackapi "github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/ulfschnabel/slka/internal/connector"
	"github.com/ulfschnabel/slka/internal/domain"
)

// Writer applies candidate actions with the write token.
type Writer struct {
	API     API
	Dir     *Directory
	Limiter *rate.Limiter
	Now     func() time.Time
}

var _ connector.Writer = (*Writer)(nil)

// NewWriter uses api for writes and dir (usually built on the read token)
// for channel resolution.
func NewWriter(api API, dir *Directory, limiter *rate.Limiter) *Writer {
	return &Writer{API: api, Dir: dir, Limiter: limiter, Now: time.Now}
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w *Writer) Submit(ctx context.Context, c domain.CandidateAction) domain.DispatchOutcome {
	err := w.apply(ctx, c)
	at := w.now()
	if err == nil {
		return domain.Succeeded(c.ActionKey, at)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.Failed(c.ActionKey, "timeout", at)
	}
	return domain.Failed(c.ActionKey, err.Error(), at)
}

func (w *Writer) apply(ctx context.Context, c domain.CandidateAction) error {
	if !c.Kind.Valid() {
		return fmt.Errorf("unsupported action kind %q", c.Kind)
	}
	channel, _, err := w.Dir.Resolve(ctx, c.Target)
	if err != nil {
		return err
	}
	if w.Limiter != nil {
		if err := w.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	switch c.Kind {
	case domain.ActionSendMessage:
		_, _, err = w.API.PostMessageContext(ctx, channel, slackapi.MsgOptionText(FormatLinks(c.Content), false))
	case domain.ActionReplyThread:
		if c.ThreadTS == "" {
			return errors.New("reply_thread needs a thread timestamp")
		}
		_, _, err = w.API.PostMessageContext(ctx, channel,
			slackapi.MsgOptionText(FormatLinks(c.Content), false),
			slackapi.MsgOptionTS(c.ThreadTS))
	case domain.ActionArchiveChannel:
		err = w.API.ArchiveConversationContext(ctx, channel)
		if isSlackError(err, "already_archived") {
			err = nil
		}
	}
	if err != nil {
		return describe(err)
	}
	return nil
}

func isSlackError(err error, code string) bool {
	var se slackapi.SlackErrorResponse
	if errors.As(err, &se) {
		return se.Err == code
	}
	return err != nil && err.Error() == code
}
