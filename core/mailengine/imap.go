package mailengine

import (
	"fmt"
	"net"
	"net/mail"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/scrubline/scrubline/core/apperr"
)

// imapConn is a single authenticated IMAP connection. IMAP is a
// line-oriented, tagged text protocol, so the connection is a thin state
// machine over net/textproto: issue a tagged command, read untagged "*"
// lines until the tagged completion arrives.
type imapConn struct {
	raw net.Conn
	tp  *textproto.Conn
	seq int
}

func newIMAPConn(raw net.Conn) (*imapConn, error) {
	tp := textproto.NewConn(raw)
	// Server greeting.
	line, err := tp.ReadLine()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "reading imap greeting", err)
	}
	if !strings.HasPrefix(line, "* OK") && !strings.HasPrefix(line, "* PREAUTH") {
		return nil, apperr.New(apperr.KindProtocol, "unexpected imap greeting").WithRetryable(true)
	}
	return &imapConn{raw: raw, tp: tp}, nil
}

func (c *imapConn) close() {
	_, _ = c.command("LOGOUT")
	_ = c.tp.Close()
}

// command sends a tagged command and collects untagged response lines
// until the matching tagged completion. A NO/BAD completion is a protocol
// error; NO is retryable (transient server refusal), BAD is not.
func (c *imapConn) command(format string, args ...any) ([]string, error) {
	c.seq++
	tag := fmt.Sprintf("a%03d", c.seq)
	if err := c.tp.PrintfLine(tag+" "+format, args...); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "writing imap command", err)
	}

	var untagged []string
	for {
		line, err := c.tp.ReadLine()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindIO, "reading imap response", err)
		}
		if strings.HasPrefix(line, tag+" ") {
			status := strings.TrimPrefix(line, tag+" ")
			switch {
			case strings.HasPrefix(status, "OK"):
				return untagged, nil
			case strings.HasPrefix(status, "NO"):
				return nil, apperr.New(apperr.KindProtocol, "imap command refused").WithRetryable(true)
			default:
				return nil, apperr.New(apperr.KindProtocol, "imap command rejected")
			}
		}
		untagged = append(untagged, line)
	}
}

func (c *imapConn) login(username, password string) error {
	_, err := c.command("LOGIN %s %s", imapQuote(username), imapQuote(password))
	if err != nil && apperr.Is(err, apperr.KindProtocol) {
		return apperr.New(apperr.KindAuth, "imap login failed")
	}
	return err
}

func (c *imapConn) selectMailbox(name string) error {
	_, err := c.command("SELECT %s", imapQuote(name))
	return err
}

// searchUnseen returns the sequence numbers of unseen messages.
func (c *imapConn) searchUnseen() ([]int, error) {
	lines, err := c.command("SEARCH UNSEEN")
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, line := range lines {
		if !strings.HasPrefix(line, "* SEARCH") {
			continue
		}
		for _, f := range strings.Fields(strings.TrimPrefix(line, "* SEARCH")) {
			n, err := strconv.Atoi(f)
			if err != nil {
				continue
			}
			ids = append(ids, n)
		}
	}
	return ids, nil
}

// fetchMessage fetches one message's full RFC 822 text and parses the
// headers and body the thread machine needs.
func (c *imapConn) fetchMessage(seqNum int) (InboundMessage, error) {
	c.seq++
	tag := fmt.Sprintf("a%03d", c.seq)
	if err := c.tp.PrintfLine("%s FETCH %d (RFC822)", tag, seqNum); err != nil {
		return InboundMessage{}, apperr.Wrap(apperr.KindIO, "writing imap fetch", err)
	}

	var rawMsg []byte
	for {
		line, err := c.tp.ReadLine()
		if err != nil {
			return InboundMessage{}, apperr.Wrap(apperr.KindIO, "reading imap fetch response", err)
		}
		if strings.HasPrefix(line, tag+" ") {
			if !strings.Contains(line, "OK") {
				return InboundMessage{}, apperr.New(apperr.KindProtocol, "imap fetch failed").WithRetryable(true)
			}
			break
		}
		// A fetch data line ends with a literal size marker {N}; the next N
		// bytes are the raw message.
		if i := strings.LastIndex(line, "{"); strings.HasPrefix(line, "*") && i >= 0 && strings.HasSuffix(line, "}") {
			size, err := strconv.Atoi(line[i+1 : len(line)-1])
			if err != nil || size < 0 {
				return InboundMessage{}, apperr.New(apperr.KindProtocol, "malformed imap literal")
			}
			rawMsg = make([]byte, size)
			if _, err := fullRead(c.tp.R, rawMsg); err != nil {
				return InboundMessage{}, apperr.Wrap(apperr.KindIO, "reading imap literal", err)
			}
		}
	}

	return parseInbound(rawMsg)
}

func fullRead(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func parseInbound(raw []byte) (InboundMessage, error) {
	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return InboundMessage{}, apperr.Wrap(apperr.KindValidation, "parsing inbound message", err)
	}

	var body strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := msg.Body.Read(buf)
		body.Write(buf[:n])
		if err != nil {
			break
		}
	}

	date, _ := msg.Header.Date()
	if date.IsZero() {
		date = time.Now()
	}

	return InboundMessage{
		From:    msg.Header.Get("From"),
		To:      msg.Header.Get("To"),
		Subject: msg.Header.Get("Subject"),
		Body:    body.String(),
		Date:    date,
	}, nil
}

// imapQuote wraps s in IMAP quoted-string form.
func imapQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
