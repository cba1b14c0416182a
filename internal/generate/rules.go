package generate

import (
	"fmt"
	"strings"
	"time"

	"github.com/ulfschnabel/slka/internal/domain"
)

const DefaultReplyPrefix = "🤖 "

// Canned mention replies.
const (
	HelpResponse      = "I'm here to help! I can assist with:\n• Daily summaries\n• Channel analysis\n• Q&A about the project\n\nWhat would you like to know?"
	StatusResponse    = "I'm running normally and monitoring channels. Last check: just now."
	GratitudeResponse = "You're welcome! Let me know if you need anything else."
	FallbackResponse  = "I received your message. How can I help you?"
)

type responseRule struct {
	needles  []string
	response string
}

// Checked in order; the first rule with a matching needle wins.
var responseRules = []responseRule{
	{[]string{"help", "?"}, HelpResponse},
	{[]string{"status", "update"}, StatusResponse},
	{[]string{"thanks", "thank you"}, GratitudeResponse},
}

// Respond picks the canned reply for a mention text.
func Respond(text string) string {
	lower := strings.ToLower(text)
	for _, r := range responseRules {
		for _, n := range r.needles {
			if strings.Contains(lower, n) {
				return r.response
			}
		}
	}
	return FallbackResponse
}

// Rules is the default Generator.
type Rules struct {
	ReplyPrefix string
	// Now stamps archive reasons; nil means the trigger has no age.
	Now func() time.Time
}

var _ Generator = Rules{}

func (r Rules) Content(t domain.Trigger) (string, bool) {
	switch t.Kind {
	case domain.TriggerMention:
		if t.Message == nil {
			return "", false
		}
		return r.ReplyPrefix + Respond(t.Message.Text), true
	case domain.TriggerDigest:
		if t.Digest == nil || len(t.Digest.Channels) == 0 {
			return "", false
		}
		return FormatDigest(*t.Digest), true
	case domain.TriggerStaleChannel:
		if t.Channel == nil {
			return "", false
		}
		return r.archiveReason(t), true
	}
	return "", false
}

func (r Rules) archiveReason(t domain.Trigger) string {
	name := t.Channel.Name
	if name == "" {
		name = t.Channel.ID
	}
	threshold := fmt.Sprintf("%d days", int(t.Threshold/(24*time.Hour)))
	if t.LastActivity.IsZero() {
		return fmt.Sprintf("Archive #%s: no messages (threshold %s)", name, threshold)
	}
	if r.Now != nil {
		days := int(r.Now().Sub(t.LastActivity) / (24 * time.Hour))
		return fmt.Sprintf("Archive #%s: last message %d days ago (threshold %s)", name, days, threshold)
	}
	return fmt.Sprintf("Archive #%s: last message %s (threshold %s)", name, t.LastActivity.UTC().Format("2006-01-02"), threshold)
}

// FormatDigest renders a digest as a Slack message.
func FormatDigest(d domain.Digest) string {
	var b strings.Builder
	b.WriteString("📊 Daily Summary\n\n")
	total := 0
	for _, ch := range d.Channels {
		total += ch.Messages
		fmt.Fprintf(&b, "• #%s: %d messages\n", ch.Channel, ch.Messages)
		fmt.Fprintf(&b, "  Active users: %s\n\n", strings.Join(ch.Participants, ", "))
	}
	fmt.Fprintf(&b, "\n**Total: %d messages across %d channels**", total, len(d.Channels))
	return b.String()
}
