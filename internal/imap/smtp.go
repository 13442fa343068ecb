package imap

import (
	"bytes"
	"context"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/mailtriage/mailtriage/internal/mime"
	"github.com/mailtriage/mailtriage/internal/provider"
)

// Send submits the message over SMTP and appends a copy to the Sent
// mailbox. The returned id is the appended copy's composite id when the
// server reports the new UID, otherwise empty.
func (a *Adapter) Send(ctx context.Context, out *provider.Outgoing) (string, error) {
	if a.config.SMTPHost == "" {
		return "", fmt.Errorf("send: no SMTP host configured: %w", provider.ErrCapabilityUnsupported)
	}

	raw, err := mime.BuildMessage(&mime.Outgoing{
		From: out.From, To: out.To, Cc: out.Cc, Bcc: out.Bcc,
		Subject: out.Subject, Text: out.Text, HTML: out.HTML,
	})
	if err != nil {
		return "", fmt.Errorf("build message: %w", err)
	}

	from, err := bareAddress(out.From)
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	rcpts, err := collectRecipients(out)
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	if err := provider.Retry(ctx, a.retry, func() error {
		return a.submit(from, rcpts, raw)
	}); err != nil {
		return "", err
	}

	id, err := a.appendToSent(ctx, raw)
	if err != nil {
		a.logger.Warn("sent but could not append to sent mailbox", "error", err)
		return "", nil
	}
	return id, nil
}

// submit delivers the message via SMTP with PLAIN auth.
func (a *Adapter) submit(from string, rcpts []string, raw []byte) error {
	port := a.config.SMTPPort
	if port == 0 {
		if a.config.SMTPTLS {
			port = 465
		} else {
			port = 587
		}
	}
	addr := fmt.Sprintf("%s:%d", a.config.SMTPHost, port)
	auth := sasl.NewPlainClient("", a.config.Username, a.config.Password)

	var err error
	if a.config.SMTPTLS {
		err = smtp.SendMailTLS(addr, auth, from, rcpts, bytes.NewReader(raw))
	} else {
		err = smtp.SendMail(addr, auth, from, rcpts, bytes.NewReader(raw))
	}
	if err != nil {
		if isConnError(err) {
			return &provider.TransientError{Err: fmt.Errorf("smtp %s: %w", addr, err)}
		}
		return fmt.Errorf("smtp %s: %w", addr, err)
	}
	return nil
}

// appendToSent stores a copy of the delivered message in the Sent
// mailbox, flagged as read.
func (a *Adapter) appendToSent(ctx context.Context, raw []byte) (string, error) {
	var id string
	err := a.withConn(ctx, func(conn *imapclient.Client) error {
		special, err := a.resolveMailboxes()
		if err != nil {
			return err
		}
		sent, ok := special[provider.FolderSent]
		if !ok {
			return fmt.Errorf("no sent mailbox: %w", provider.ErrCapabilityUnsupported)
		}

		cmd := conn.Append(sent, int64(len(raw)), &imap.AppendOptions{
			Flags: []imap.Flag{imap.FlagSeen},
			Time:  time.Now(),
		})
		if _, err := cmd.Write(raw); err != nil {
			_ = cmd.Close()
			return fmt.Errorf("APPEND write: %w", err)
		}
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("APPEND close: %w", err)
		}
		data, err := cmd.Wait()
		if err != nil {
			return fmt.Errorf("APPEND: %w", err)
		}
		if data != nil && data.UID != 0 {
			id = compositeID(sent, data.UID)
		}
		return nil
	})
	return id, err
}

func bareAddress(raw string) (string, error) {
	addr, err := netmail.ParseAddress(raw)
	if err != nil {
		if strings.Contains(raw, "@") {
			return strings.TrimSpace(raw), nil
		}
		return "", fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return addr.Address, nil
}

func collectRecipients(out *provider.Outgoing) ([]string, error) {
	var rcpts []string
	for _, group := range [][]string{out.To, out.Cc, out.Bcc} {
		for _, r := range group {
			addr, err := bareAddress(r)
			if err != nil {
				return nil, err
			}
			rcpts = append(rcpts, addr)
		}
	}
	if len(rcpts) == 0 {
		return nil, fmt.Errorf("no recipients")
	}
	return rcpts, nil
}
