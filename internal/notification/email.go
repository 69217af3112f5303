package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"FlowGuard/internal/action"
	"FlowGuard/internal/config"
	"FlowGuard/internal/model"

	"github.com/gomarkdown/markdown"
)

func init() {
	action.Register("email", func(cfg config.ActionConfig) (action.Action, error) {
		if cfg.SMTP.Host == "" || cfg.SMTP.From == "" {
			return nil, fmt.Errorf("email action needs smtp host and from address")
		}
		return NewEmailAction(NewEmailNotifier(cfg.SMTP)), nil
	})
}

// EmailAction mails every ban and unban.
type EmailAction struct {
	notifier model.Notifier
}

func NewEmailAction(n model.Notifier) *EmailAction {
	return &EmailAction{notifier: n}
}

func (e *EmailAction) Name() string { return "email" }

func (e *EmailAction) Execute(ctx context.Context, ev action.Event) error {
	return e.notifier.Send(ctx, Subject(ev), Body(ev))
}

// Subject reads like "FlowGuard: ban 192.0.2.1".
func Subject(ev action.Event) string {
	return fmt.Sprintf("FlowGuard: %s %s", ev.Kind, ev.Addr)
}

// Body renders the event as HTML.
func Body(ev action.Event) string {
	var md strings.Builder
	switch ev.Kind {
	case action.Ban:
		fmt.Fprintf(&md, "# Destination %s banned\n\n", ev.Addr)
		fmt.Fprintf(&md, "Rule **%s** matched at %s.\n\n", ev.Rule, ev.At.UTC().Format(time.RFC3339))
		md.WriteString("| Rule | Observed value |\n|---|---|\n")
		fmt.Fprintf(&md, "| %s | %g |\n", ev.Rule, ev.Value)
	default:
		fmt.Fprintf(&md, "# Destination %s unbanned\n\n", ev.Addr)
		fmt.Fprintf(&md, "The ban expired at %s and the flows recorded for it were cleared.\n", ev.At.UTC().Format(time.RFC3339))
	}
	return string(markdown.ToHTML([]byte(md.String()), nil, nil))
}
