// Package notify tells operators about payouts that need a human.
package notify

import (
	"context"
	"fmt"
	"html"

	"github.com/rs/zerolog"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

type Notifier interface {
	PayoutFailed(ctx context.Context, p *domain.Payout) error
}

// LogNotifier only logs. It is used when no mail provider is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) PayoutFailed(ctx context.Context, p *domain.Payout) error {
	n.logger.Warn().
		Str("payout", p.RailID).
		Str("account", p.AccountID).
		Int64("amount", p.Amount).
		Str("reason", p.FailureReason).
		Msg("payout failed, operator action required")
	return nil
}

// EmailNotifier mails the finance team through SendGrid.
type EmailNotifier struct {
	client  *sendgrid.Client
	send    func(ctx context.Context, msg *mail.SGMailV3) (int, error)
	from    *mail.Email
	to      *mail.Email
	sandbox bool
	logger  zerolog.Logger
}

func NewEmailNotifier(apiKey, from, to string, sandbox bool, logger zerolog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		client:  sendgrid.NewSendClient(apiKey),
		from:    mail.NewEmail("Payouts", from),
		to:      mail.NewEmail("Finance", to),
		sandbox: sandbox,
		logger:  logger.With().Str("component", "notifier").Logger(),
	}
	n.send = func(ctx context.Context, msg *mail.SGMailV3) (int, error) {
		resp, err := n.client.SendWithContext(ctx, msg)
		if err != nil {
			return 0, err
		}
		return resp.StatusCode, nil
	}
	return n
}

func (n *EmailNotifier) PayoutFailed(ctx context.Context, p *domain.Payout) error {
	msg := n.message(p)
	code, err := n.send(ctx, msg)
	if err != nil {
		return fmt.Errorf("send payout failure email: %w", err)
	}
	if code >= 300 {
		return fmt.Errorf("send payout failure email: status %d", code)
	}
	n.logger.Info().Str("payout", p.RailID).Msg("payout failure email sent")
	return nil
}

func (n *EmailNotifier) message(p *domain.Payout) *mail.SGMailV3 {
	subject := fmt.Sprintf("Payout %s to %s failed", p.RailID, p.AccountID)
	plain := fmt.Sprintf(
		"A payout of %d %s (minor units) to account %s failed.\nRail payout: %s\nReason: %s\n\nPayouts are never retried automatically; please investigate.",
		p.Amount, p.Currency, p.AccountID, p.RailID, p.FailureReason,
	)
	body := fmt.Sprintf(
		"<p>A payout of <strong>%d %s</strong> (minor units) to account <code>%s</code> failed.</p><p>Rail payout: <code>%s</code><br>Reason: %s</p><p>Payouts are never retried automatically; please investigate.</p>",
		p.Amount, p.Currency, html.EscapeString(p.AccountID), html.EscapeString(p.RailID), html.EscapeString(p.FailureReason),
	)
	msg := mail.NewSingleEmail(n.from, subject, n.to, plain, body)
	if n.sandbox {
		ms := mail.NewMailSettings()
		ms.SetSandboxMode(mail.NewSetting(true))
		msg.MailSettings = ms
	}
	return msg
}
