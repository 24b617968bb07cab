package mailengine

import (
	"bytes"
	"context"
	"fmt"
	"mime/quotedprintable"
	"os"
	"path/filepath"
	"time"

	"github.com/scrubline/scrubline/core/apperr"
	"github.com/scrubline/scrubline/pkg/clock"
)

// buildRFC5322 renders msg as an RFC 5322 message with a quoted-printable
// plain-text body.
func buildRFC5322(from string, msg OutboundMessage) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	if msg.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", msg.InReplyTo)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	b.WriteString("\r\n")

	w := quotedprintable.NewWriter(&b)
	_, _ = w.Write([]byte(msg.Body))
	_ = w.Close()
	b.WriteString("\r\n")
	return b.Bytes()
}

// DraftWriter is the Draft-mode Sender: instead of transmitting anything,
// it writes an RFC 5322 .eml file the host shell opens in the user's own
// mail client. No credentials are required or stored in this mode.
type DraftWriter struct {
	dir   string
	from  string
	clock clock.Clock
}

// NewDraftWriter creates a DraftWriter that emits drafts under dir.
func NewDraftWriter(dir, from string, c clock.Clock) (*DraftWriter, error) {
	if dir == "" {
		return nil, apperr.New(apperr.KindValidation, "draft writer requires a directory")
	}
	if c == nil {
		c = clock.NewReal()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "creating draft directory", err)
	}
	return &DraftWriter{dir: dir, from: from, clock: c}, nil
}

// Send writes the draft file atomically: temp file first, rename after.
func (d *DraftWriter) Send(ctx context.Context, msg OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.KindCancelled, "draft write cancelled", err)
	}

	name := fmt.Sprintf("draft-%d.eml", d.clock.Now().UnixNano())
	final := filepath.Join(d.dir, name)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, buildRFC5322(d.from, msg), 0o600); err != nil {
		return apperr.Wrap(apperr.KindIO, "writing draft file", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return apperr.Wrap(apperr.KindIO, "publishing draft file", err)
	}
	return nil
}
