package mime

import (
	"bytes"
	"fmt"
	"io"
	netmail "net/mail"
	"time"

	"github.com/emersion/go-message/mail"
)

// Outgoing describes a message to be serialized for delivery.
type Outgoing struct {
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Text    string
	HTML    string
}

// BuildMessage serializes an outgoing message to RFC 5322 wire format.
// Text and HTML, when both present, become a multipart/alternative body.
func BuildMessage(out *Outgoing) ([]byte, error) {
	from, err := buildAddressList([]string{out.From})
	if err != nil {
		return nil, fmt.Errorf("parse from: %w", err)
	}
	to, err := buildAddressList(out.To)
	if err != nil {
		return nil, fmt.Errorf("parse to: %w", err)
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", from)
	h.SetAddressList("To", to)
	if len(out.Cc) > 0 {
		cc, err := buildAddressList(out.Cc)
		if err != nil {
			return nil, fmt.Errorf("parse cc: %w", err)
		}
		h.SetAddressList("Cc", cc)
	}
	h.SetSubject(out.Subject)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	if out.Text != "" && out.HTML != "" {
		iw, err := mw.CreateInline()
		if err != nil {
			return nil, fmt.Errorf("create alternative: %w", err)
		}
		if err := writeInlinePart(iw, "text/plain; charset=utf-8", out.Text); err != nil {
			return nil, err
		}
		if err := writeInlinePart(iw, "text/html; charset=utf-8", out.HTML); err != nil {
			return nil, err
		}
		if err := iw.Close(); err != nil {
			return nil, fmt.Errorf("close alternative: %w", err)
		}
	} else {
		contentType := "text/plain; charset=utf-8"
		body := out.Text
		if out.HTML != "" {
			contentType = "text/html; charset=utf-8"
			body = out.HTML
		}
		var th mail.InlineHeader
		th.Set("Content-Type", contentType)
		w, err := mw.CreateSingleInline(th)
		if err != nil {
			return nil, fmt.Errorf("create body: %w", err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			w.Close()
			return nil, fmt.Errorf("write body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close body: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInlinePart(iw *mail.InlineWriter, contentType, body string) error {
	var th mail.InlineHeader
	th.Set("Content-Type", contentType)
	w, err := iw.CreatePart(th)
	if err != nil {
		return fmt.Errorf("create body part: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return fmt.Errorf("write body part: %w", err)
	}
	return w.Close()
}

func buildAddressList(raw []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(raw))
	for _, r := range raw {
		if r == "" {
			continue
		}
		addr, err := netmail.ParseAddress(r)
		if err != nil {
			// Bare addresses without display names still deliver.
			out = append(out, &mail.Address{Address: r})
			continue
		}
		out = append(out, &mail.Address{Name: addr.Name, Address: addr.Address})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid addresses")
	}
	return out, nil
}
