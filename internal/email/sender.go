// internal/email/sender.go
package email

import (
	"context"
	"fmt"
	"log"
	"time"

	"mirror-service/internal/config"
	"mirror-service/internal/email/templates"
	"mirror-service/internal/sync"

	"gopkg.in/gomail.v2"
)

type Sender struct {
	cfg *config.Config
}

func NewSender(cfg *config.Config) *Sender {
	return &Sender{cfg: cfg}
}

func (s *Sender) Send(ctx context.Context, to, subject, body string) error {
	log.Printf("📧 [SEND] To: %s | Subject: %s", to, subject)

	m := gomail.NewMessage()
	m.SetHeader("From", fmt.Sprintf("%s <%s>", s.cfg.SMTPFromName, s.cfg.SMTPFrom))
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)

	dialer := gomail.NewDialer(s.cfg.SMTPHost, s.cfg.SMTPPort, s.cfg.SMTPUser, s.cfg.SMTPPass)

	// Exponential backoff: 1s, 2s, 4s → max 3 retries
	for attempt := 0; attempt < 3; attempt++ {
		if err := dialer.DialAndSend(m); err != nil {
			delay := time.Duration(1<<attempt) * time.Second
			log.Printf("❌ [ATTEMPT %d] Failed to send email to %s: %v → retrying in %v", attempt+1, to, err, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("email send cancelled: %w", ctx.Err())
			}
			continue
		}
		log.Printf("✅ [SUCCESS] Email sent to %s (Subject: %s)", to, subject)
		return nil
	}

	log.Printf("💥 [FAILED] All retries exhausted for %s", to)
	return fmt.Errorf("failed to send email to %s after 3 attempts", to)
}

// SendRefreshAlert emails the operator when a scheduled refresh fails outright
// or completes with a non-zero error count. Fire-and-forget: the refresh
// worker must never block on SMTP.
func (s *Sender) SendRefreshAlert(stats *sync.RefreshStats, runErr error) {
	data := templates.RefreshFailureData{
		FailedAt: time.Now().UTC().Format(time.RFC3339),
	}
	subject := "⚠️ Mirror refresh completed with errors"
	if runErr != nil {
		data.FatalError = runErr.Error()
		subject = "❌ Mirror refresh failed"
	}
	if stats != nil {
		data.Tables = stats.Tables
		data.Records = stats.Records
		data.Attachments = stats.Attachments
		data.ErrorCount = stats.Errors
	}

	body, err := templates.RenderRefreshFailureEmail(data)
	if err != nil {
		log.Printf("❌ [ALERT] Failed to render refresh alert: %v", err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if sendErr := s.Send(ctx, s.cfg.AlertEmail, subject, body); sendErr != nil {
			log.Printf("⚠️ [ALERT] Background alert email failed: %v", sendErr)
		}
	}()
}
