// Package email mails a run report to maintainers when a run fails.
package email

import (
	"bytes"
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
	"tangled.sh/tangled.sh/bobbin/engine"
	"tangled.sh/tangled.sh/bobbin/log"
	"tangled.sh/tangled.sh/bobbin/models"
	"tangled.sh/tangled.sh/bobbin/notify"
	"tangled.sh/tangled.sh/bobbin/report"
)

// Sender is the part of the resend client the notifier uses.
type Sender interface {
	Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

type emailNotifier struct {
	sender Sender
	from   string
	to     []string
	notify.BaseNotifier
}

func NewEmailNotifier(apiKey, from string, to []string) notify.Notifier {
	return NewEmailNotifierWithSender(resend.NewClient(apiKey).Emails, from, to)
}

func NewEmailNotifierWithSender(sender Sender, from string, to []string) notify.Notifier {
	return &emailNotifier{
		sender: sender,
		from:   from,
		to:     to,
	}
}

var _ notify.Notifier = &emailNotifier{}

func (n *emailNotifier) RunCompleted(ctx context.Context, r *engine.Run) {
	l := log.FromContext(ctx)

	if len(n.to) == 0 {
		return
	}

	rep := report.FromRun(r)
	if rep.Verdict != models.VerdictFailure {
		return
	}

	var body bytes.Buffer
	if err := report.WriteText(&body, rep); err != nil {
		l.Error("failed to render run report", "run", r.Id, "error", err)
		return
	}

	_, err := n.sender.Send(&resend.SendEmailRequest{
		From:    n.from,
		To:      n.to,
		Subject: fmt.Sprintf("[bobbin] %s failed: %d of %d instances did not succeed", rep.Pipeline, len(rep.Failures), len(rep.Instances)),
		Text:    body.String(),
	})
	if err != nil {
		l.Error("error sending email", "run", r.Id, "error", err)
	}
}
