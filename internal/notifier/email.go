package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/google/uuid"

	"digestbot/internal/config"
	"digestbot/internal/digest"
	"digestbot/pkg/logx"
)

// sendFunc matches smtp.SendMail.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email delivers editions as multipart (text + HTML) mail, one message per
// recipient.
type Email struct {
	cfg  config.EmailConfig
	send sendFunc
	log  logx.Logger
}

func NewEmail(cfg config.EmailConfig, log logx.Logger) (*Email, error) {
	if cfg.SMTPHost == "" || cfg.FromAddress == "" {
		return nil, errors.New("email: smtp_host and from_address are required")
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Email{cfg: cfg, log: log}
	e.send = e.sendSMTP
	return e, nil
}

func (e *Email) Name() string { return "email" }

func (e *Email) Deliver(ctx context.Context, d Delivery) []Result {
	if d.Newspaper == nil || len(d.EmailTo) == 0 {
		return nil
	}
	htmlBody := d.HTML
	out := make([]Result, 0, len(d.EmailTo))
	for _, to := range d.EmailTo {
		if ctx.Err() != nil {
			out = append(out, Result{Channel: e.Name(), Target: to, Err: ctx.Err()})
			continue
		}
		msg, err := e.compose(d.Newspaper, htmlBody, to)
		if err == nil {
			err = e.send(e.addr(), e.auth(), e.cfg.FromAddress, []string{to}, msg)
		}
		if err == nil {
			e.log.Debug("edition mailed", logx.String("to", to), logx.Int("bytes", len(msg)))
		}
		out = append(out, Result{Channel: e.Name(), Target: to, Err: err})
	}
	return out
}

func (e *Email) addr() string {
	return net.JoinHostPort(e.cfg.SMTPHost, strconv.Itoa(e.cfg.SMTPPort))
}

func (e *Email) auth() smtp.Auth {
	if e.cfg.SMTPUser == "" {
		return nil
	}
	return smtp.PlainAuth("", e.cfg.SMTPUser, e.cfg.SMTPPassword, e.cfg.SMTPHost)
}

// compose builds a multipart/alternative message.
func (e *Email) compose(n *digest.Newspaper, htmlBody []byte, to string) ([]byte, error) {
	from := mail.Address{Name: e.cfg.FromName, Address: e.cfg.FromAddress}
	subject := fmt.Sprintf("%s - %s", n.Title, n.EditionDate.Format("January 2, 2006"))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	var hdr bytes.Buffer
	fmt.Fprintf(&hdr, "From: %s\r\n", from.String())
	fmt.Fprintf(&hdr, "To: %s\r\n", to)
	fmt.Fprintf(&hdr, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&hdr, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&hdr, "Message-ID: <%s@%s>\r\n", uuid.NewString(), e.cfg.SMTPHost)
	hdr.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&hdr, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())

	type part struct {
		ctype string
		data  []byte
	}
	parts := []part{{ctype: "text/plain; charset=utf-8", data: []byte(digest.PlainText(n))}}
	if len(htmlBody) > 0 {
		parts = append(parts, part{ctype: "text/html; charset=utf-8", data: htmlBody})
	}
	for _, p := range parts {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.ctype},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(p.data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return append(hdr.Bytes(), body.Bytes()...), nil
}

// sendSMTP uses implicit TLS on port 465, STARTTLS when use_tls is set, and
// plain SMTP otherwise.
func (e *Email) sendSMTP(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	tlsCfg := &tls.Config{ServerName: e.cfg.SMTPHost}
	var (
		c   *smtp.Client
		err error
	)
	if e.cfg.SMTPPort == 465 {
		conn, derr := tls.Dial("tcp", addr, tlsCfg)
		if derr != nil {
			return fmt.Errorf("dial %s: %w", addr, derr)
		}
		c, err = smtp.NewClient(conn, e.cfg.SMTPHost)
	} else {
		c, err = smtp.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("smtp connect %s: %w", addr, err)
	}
	defer c.Close()

	if e.cfg.UseTLS && e.cfg.SMTPPort != 465 {
		if err := c.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if a != nil {
		if err := c.Auth(a); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
