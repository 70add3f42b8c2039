package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"

	"github.com/maladrill/asterisk-to-openai-rt-community/internal/config"
)

// Notification carries everything the post-cleanup email needs.
type Notification struct {
	CallID         string
	CallerIdentity string
	FilePath       string
	Reason         string
}

// Mailer delivers call transcripts over SMTP after cleanup. It is a
// best-effort adapter: SendTranscript never panics, and its error is
// only ever logged by the caller.
type Mailer struct {
	cfg config.Email
}

// New creates a mailer from the email configuration.
func New(cfg config.Email) *Mailer {
	return &Mailer{cfg: cfg}
}

// SendTranscript emails the transcript file to the configured
// recipients, expanding {{callerId}}, {{channelId}} and {{reason}} in
// the subject and body templates.
func (m *Mailer) SendTranscript(ctx context.Context, n Notification) error {
	if !m.cfg.Enabled {
		return nil
	}
	if len(m.cfg.To) == 0 {
		return fmt.Errorf("no recipients configured")
	}

	expand := strings.NewReplacer(
		"{{callerId}}", n.CallerIdentity,
		"{{channelId}}", n.CallID,
		"{{reason}}", n.Reason,
	)

	msg := mail.NewMsg()
	msg.SetMessageIDWithValue(uuid.New().String())
	if err := msg.From(m.cfg.From); err != nil {
		return fmt.Errorf("set from: %w", err)
	}
	if err := msg.To(m.cfg.To...); err != nil {
		return fmt.Errorf("set recipients: %w", err)
	}
	msg.Subject(expand.Replace(m.cfg.SubjectTemplate))
	msg.SetBodyString(mail.TypeTextPlain, expand.Replace(m.cfg.BodyTemplate))

	if n.FilePath != "" {
		if _, err := os.Stat(n.FilePath); err == nil {
			msg.AttachFile(n.FilePath)
		} else {
			slog.Warn("[Mailer] Transcript missing, sending without attachment",
				"call_id", n.CallID, "path", n.FilePath)
		}
	}

	opts := []mail.Option{
		mail.WithPort(m.cfg.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.cfg.SMTPUser),
		mail.WithPassword(m.cfg.SMTPPass),
	}
	if m.cfg.SMTPSecure {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if m.cfg.SMTPUser == "" {
		// Unauthenticated relay.
		opts = []mail.Option{mail.WithPort(m.cfg.SMTPPort), mail.WithTLSPolicy(mail.TLSOpportunistic)}
	}

	client, err := mail.NewClient(m.cfg.SMTPHost, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send transcript for %s: %w", n.CallID, err)
	}

	slog.Info("[Mailer] Transcript sent",
		"call_id", n.CallID, "caller", n.CallerIdentity, "recipients", len(m.cfg.To))
	return nil
}
