package mailengine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/scrubline/scrubline/core/apperr"
)

// Default transport timeouts, all overridable per client.
const (
	defaultSMTPTimeout = 60 * time.Second
	defaultIMAPTimeout = 30 * time.Second
)

// SMTPConfig holds the submission-port settings for outbound mail. The
// password arrives through a vault credential handle and is never logged.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	From        string
	ImplicitTLS bool // implicit TLS on connect rather than STARTTLS
	Timeout     time.Duration
}

// OutboundMessage is one message handed to a sender.
type OutboundMessage struct {
	To      string
	Subject string
	Body    string
	// InReplyTo threads the message under an earlier one when set.
	InReplyTo string
}

// Sender delivers an outbound message. SMTPSender and DraftWriter both
// satisfy it, so the thread machine is indifferent to the profile's email
// mode.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// SMTPSender sends over authenticated SMTP with STARTTLS (or implicit
// TLS), honoring the configured timeout and the context's cancellation.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender validates cfg and returns a Sender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, apperr.New(apperr.KindValidation, "smtp config requires host and from address")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultSMTPTimeout
	}
	return &SMTPSender{cfg: cfg}, nil
}

// Send delivers msg. Transport failures are retryable protocol errors so
// the scheduler backs off and retries; authentication failures are not.
func (s *SMTPSender) Send(ctx context.Context, msg OutboundMessage) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return apperr.Wrap(apperr.KindIO, "dialing smtp server", err)
	}
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Timeout))

	tlsCfg := &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
	if s.cfg.ImplicitTLS {
		conn = tls.Client(conn, tlsCfg)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return apperr.Wrap(apperr.KindProtocol, "smtp greeting failed", err).WithRetryable(true)
	}
	defer c.Close()

	if !s.cfg.ImplicitTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return apperr.New(apperr.KindProtocol, "smtp server does not offer STARTTLS")
		}
		if err := c.StartTLS(tlsCfg); err != nil {
			return apperr.Wrap(apperr.KindProtocol, "starttls failed", err).WithRetryable(true)
		}
	}

	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return apperr.Wrap(apperr.KindAuth, "smtp authentication failed", err)
		}
	}

	if err := c.Mail(s.cfg.From); err != nil {
		return apperr.Wrap(apperr.KindProtocol, "mail from rejected", err).WithRetryable(true)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return apperr.Wrap(apperr.KindProtocol, "rcpt to rejected", err).WithRetryable(true)
	}

	w, err := c.Data()
	if err != nil {
		return apperr.Wrap(apperr.KindProtocol, "smtp data failed", err).WithRetryable(true)
	}
	if _, err := w.Write(buildRFC5322(s.cfg.From, msg)); err != nil {
		_ = w.Close()
		return apperr.Wrap(apperr.KindIO, "writing message body", err)
	}
	if err := w.Close(); err != nil {
		return apperr.Wrap(apperr.KindProtocol, "closing smtp data", err).WithRetryable(true)
	}
	return c.Quit()
}

// IMAPConfig holds inbound-mailbox settings.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string
	Timeout  time.Duration
}

// InboundMessage is one message fetched from the inbox.
type InboundMessage struct {
	From    string
	To      string
	Subject string
	Body    string
	Date    time.Time
}

// Fetcher retrieves unseen inbound messages. IMAPClient implements it; a
// profile without IMAP credentials degrades to user-handled mode and has
// no Fetcher at all.
type Fetcher interface {
	FetchUnseen(ctx context.Context) ([]InboundMessage, error)
}

// IMAPClient is a minimal IMAP4rev1 client: login, select, search unseen,
// fetch. It polls; IDLE support is a transport concern the poll loop in
// the orchestrating shell layers on where the server offers it.
type IMAPClient struct {
	cfg IMAPConfig
}

// NewIMAPClient validates cfg and returns a client.
func NewIMAPClient(cfg IMAPConfig) (*IMAPClient, error) {
	if cfg.Host == "" || cfg.Username == "" {
		return nil, apperr.New(apperr.KindValidation, "imap config requires host and username")
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultIMAPTimeout
	}
	return &IMAPClient{cfg: cfg}, nil
}

// FetchUnseen connects, authenticates, and returns every unseen message in
// the configured mailbox. A rejected login is an Auth error, a malformed
// server reply a Protocol error, and a connection failure an IoError: the
// mail engine degrades to user-handled mode rather than failing the thread.
func (c *IMAPClient) FetchUnseen(ctx context.Context) ([]InboundMessage, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.close()

	if err := conn.login(c.cfg.Username, c.cfg.Password); err != nil {
		return nil, err
	}
	if err := conn.selectMailbox(c.cfg.Mailbox); err != nil {
		return nil, err
	}
	ids, err := conn.searchUnseen()
	if err != nil {
		return nil, err
	}

	var out []InboundMessage
	for _, id := range ids {
		msg, err := conn.fetchMessage(id)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *IMAPClient) dial(ctx context.Context) (*imapConn, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.cfg.Timeout},
		Config:    &tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12},
	}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "dialing imap server", err)
	}
	_ = raw.SetDeadline(time.Now().Add(c.cfg.Timeout))
	return newIMAPConn(raw)
}
