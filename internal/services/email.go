package services

import (
	"context"
	"crypto/rand"
	"fmt"
	"html"
	"math/big"

	"github.com/resend/resend-go/v2"
	log "github.com/sirupsen/logrus"
)

// Mailer sends one HTML email.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

type EmailService struct {
	client *resend.Client
	from   string
}

func NewEmailService(apiKey, from string) *EmailService {
	if apiKey == "" {
		log.Warn("RESEND_API_KEY is empty, emails will fail")
	}
	if from == "" {
		from = "onboarding@resend.dev"
	}

	log.WithField("from", from).Info("Email service initialized (Resend)")
	return &EmailService{client: resend.NewClient(apiKey), from: from}
}

func (es *EmailService) Send(ctx context.Context, to, subject, htmlBody string) error {
	params := &resend.SendEmailRequest{
		From:    es.from,
		To:      []string{to},
		Subject: subject,
		Html:    htmlBody,
	}

	sent, err := es.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	log.WithFields(log.Fields{"to": to, "email_id": sent.Id}).Debug("Email sent")
	return nil
}

// GeneratePasscode returns a random 6-digit code.
func GeneratePasscode() (string, error) {
	max := big.NewInt(1000000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func renderEmail(title, message string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .footer { margin-top: 30px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <h2>%s</h2>
        <p>%s</p>
        <div class="footer">
            <p>This is an automated message from SecureEscrow, please do not reply.</p>
        </div>
    </div>
</body>
</html>`, html.EscapeString(title), html.EscapeString(message))
}
