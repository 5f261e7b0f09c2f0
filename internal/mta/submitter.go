package mta

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"hash/fnv"
	"log"
	"net"
	"net/smtp"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mta-dispatch/internal/config"
)

// ChunkSubmission is one chunk handed to the SMTP submission port. Every
// recipient gets its own message in a single SMTP session; the job id rides
// in the Message-ID local part and an X-Job-ID header so accounting records
// can be correlated back.
type ChunkSubmission struct {
	JobID       string
	CampaignID  string
	Domain      string
	Recipients  []string
	SenderName  string
	SenderEmail string
	Subject     string

	// SubjectVariants, when present, replaces Subject with a per-recipient
	// pick so one campaign does not land thousands of identical subject
	// lines on a provider at once. Variant shifts the pick on re-routes.
	SubjectVariants []string
	Variant         int
	HTMLBody        string
	TextBody        string
}

// subjectFor picks the subject line for one recipient: deterministic per
// recipient so retries resend the same subject at the same variant.
func (sub ChunkSubmission) subjectFor(rcpt string) string {
	if len(sub.SubjectVariants) == 0 {
		return sub.Subject
	}
	h := fnv.New32a()
	h.Write([]byte(rcpt))
	n := len(sub.SubjectVariants)
	return sub.SubjectVariants[(int(h.Sum32()%uint32(n))+sub.Variant)%n]
}

// SMTPSubmitter delivers chunks through the MTA submission port.
type SMTPSubmitter struct {
	host string
	port int
	user string
	pass string
}

// NewSMTPSubmitter builds a submitter from the MTA configuration.
func NewSMTPSubmitter(cfg config.MTAConfig) *SMTPSubmitter {
	port := cfg.SMTPPort
	if port <= 0 {
		port = 2525
	}
	return &SMTPSubmitter{host: cfg.Host, port: port, user: cfg.SMTPUser, pass: cfg.SMTPPass}
}

// Submit sends every recipient of the chunk over one SMTP session. An error
// on any recipient aborts the session and fails the whole chunk; the caller
// retries the chunk as a unit.
func (s *SMTPSubmitter) Submit(ctx context.Context, sub ChunkSubmission) error {
	if s.host == "" {
		return fmt.Errorf("SMTP host not configured")
	}
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	client, err := s.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer client.Close()

	for _, rcpt := range sub.Recipients {
		msgID := fmt.Sprintf("%s.%s@dispatch", sub.JobID, uuid.New().String()[:8])
		body := s.buildMessage(sub, rcpt, msgID)

		if err := client.Mail(sub.SenderEmail); err != nil {
			return fmt.Errorf("MAIL FROM: %w", err)
		}
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
		w, err := client.Data()
		if err != nil {
			return fmt.Errorf("DATA: %w", err)
		}
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("DATA close: %w", err)
		}
	}
	if err := client.Quit(); err != nil {
		log.Printf("[Submitter] QUIT after %d messages: %v", len(sub.Recipients), err)
	}
	return nil
}

// dial connects and negotiates STARTTLS/AUTH. If AUTH fails it reconnects
// without AUTH since MTAs on private networks often run the submission port
// as an IP-restricted open relay.
func (s *SMTPSubmitter) dial(ctx context.Context, addr string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: 30 * time.Second}

	setup := func(tryAuth bool) (*smtp.Client, error) {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("SMTP connect to %s: %w", addr, err)
		}
		c, err := smtp.NewClient(conn, s.host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("SMTP client: %w", err)
		}
		if ok, _ := c.Extension("STARTTLS"); ok {
			tlsCfg := &tls.Config{ServerName: s.host, InsecureSkipVerify: true}
			if tlsErr := c.StartTLS(tlsCfg); tlsErr != nil {
				log.Printf("[Submitter] STARTTLS failed (continuing without TLS): %v", tlsErr)
			}
		}
		if tryAuth && s.user != "" && s.pass != "" {
			if authErr := c.Auth(&plainAuth{user: s.user, pass: s.pass}); authErr != nil {
				log.Printf("[Submitter] AUTH failed: %v", authErr)
				c.Close()
				return nil, authErr
			}
		}
		return c, nil
	}

	client, err := setup(s.user != "" && s.pass != "")
	if err != nil && s.user != "" && s.pass != "" {
		log.Printf("[Submitter] Retrying without AUTH (server may be open relay)")
		client, err = setup(false)
	}
	if err != nil {
		return nil, fmt.Errorf("SMTP setup: %w", err)
	}
	return client, nil
}

func (s *SMTPSubmitter) buildMessage(sub ChunkSubmission, rcpt, msgID string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s <%s>\r\n", sub.SenderName, sub.SenderEmail)
	fmt.Fprintf(&buf, "To: %s\r\n", rcpt)
	fmt.Fprintf(&buf, "Subject: %s\r\n", sub.subjectFor(rcpt))
	fmt.Fprintf(&buf, "Message-ID: <%s>\r\n", msgID)
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "X-Job-ID: %s\r\n", sub.JobID)
	fmt.Fprintf(&buf, "X-Campaign-ID: %s\r\n", sub.CampaignID)

	if sub.TextBody != "" && sub.HTMLBody != "" {
		boundary := fmt.Sprintf("=_%s", uuid.New().String()[:16])
		fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		buf.WriteString(sub.TextBody)
		buf.WriteString("\r\n")
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		buf.WriteString(sub.HTMLBody)
		buf.WriteString("\r\n")
		fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	} else if sub.HTMLBody != "" {
		buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		buf.WriteString(sub.HTMLBody)
		buf.WriteString("\r\n")
	} else {
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		buf.WriteString(sub.TextBody)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// plainAuth implements smtp.Auth without stdlib PlainAuth's TLS requirement.
// Submission ports on private networks commonly run without TLS.
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.user + "\x00" + a.pass), nil
}

func (a *plainAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	return nil, nil
}
