// Package mime provides MIME message parsing using enmime.
package mime

import (
	"bytes"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
)

// Message represents a parsed email message.
type Message struct {
	Subject         string
	Date            time.Time
	From            []Address
	To              []Address
	Cc              []Address
	MessageID       string
	InReplyTo       string
	BodyText        string
	BodyHTML        string
	AttachmentCount int
	Errors          []string // non-fatal parsing errors
}

// Address represents an email address with optional display name.
type Address struct {
	Name   string
	Email  string
	Domain string // extracted from email for feedback matching
}

// SnippetLength is the maximum snippet size in runes.
const SnippetLength = 200

// Parse parses raw MIME data into a Message. Header text is recovered to
// valid UTF-8; MIME-encoded words and multipart bodies are handled by
// enmime.
func Parse(raw []byte) (*Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Subject:   EnsureUTF8(env.GetHeader("Subject")),
		MessageID: env.GetHeader("Message-ID"),
		InReplyTo: env.GetHeader("In-Reply-To"),
		BodyText:  EnsureUTF8(env.Text),
		BodyHTML:  EnsureUTF8(env.HTML),
	}

	if dateStr := env.GetHeader("Date"); dateStr != "" {
		if t, err := parseDate(dateStr); err == nil {
			msg.Date = t
		}
	}

	msg.From = parseAddressList(env, "From")
	msg.To = parseAddressList(env, "To")
	msg.Cc = parseAddressList(env, "Cc")

	for _, part := range env.Attachments {
		if !isBodyPart(part) {
			msg.AttachmentCount++
		}
	}
	for _, part := range env.Inlines {
		if !isBodyPart(part) {
			msg.AttachmentCount++
		}
	}

	for _, e := range env.Errors {
		msg.Errors = append(msg.Errors, e.Error())
	}

	return msg, nil
}

// Snippet returns the first SnippetLength runes of plain body text.
// Plain text is preferred over stripped HTML.
func (m *Message) Snippet() string {
	return MakeSnippet(m.GetBodyText())
}

// MakeSnippet collapses whitespace and truncates text to SnippetLength
// runes.
func MakeSnippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= SnippetLength {
		return text
	}
	return string(runes[:SnippetLength])
}

// GetBodyText returns the best available body text.
// Prefers plain text, falls back to stripped HTML.
func (m *Message) GetBodyText() string {
	if m.BodyText != "" {
		return m.BodyText
	}
	if m.BodyHTML != "" {
		return StripHTML(m.BodyHTML)
	}
	return ""
}

// GetFirstFrom returns the first From address, or empty if none.
func (m *Message) GetFirstFrom() Address {
	if len(m.From) > 0 {
		return m.From[0]
	}
	return Address{}
}

// parseAddressList parses an address header using enmime's AddressList method.
func parseAddressList(env *enmime.Envelope, header string) []Address {
	list, err := env.AddressList(header)
	if err != nil || list == nil {
		return nil
	}

	addresses := make([]Address, 0, len(list))
	for _, addr := range list {
		if addr.Address == "" {
			continue
		}
		addresses = append(addresses, Address{
			Name:   EnsureUTF8(addr.Name),
			Email:  strings.ToLower(addr.Address),
			Domain: ExtractDomain(addr.Address),
		})
	}
	return addresses
}

// ExtractDomain extracts the host portion of an email address. Accepts
// both bare addresses and "Name <addr>" forms.
func ExtractDomain(email string) string {
	email = strings.TrimSpace(email)
	if i := strings.LastIndex(email, "<"); i >= 0 {
		email = strings.TrimSuffix(email[i+1:], ">")
	}
	if idx := strings.LastIndex(email, "@"); idx >= 0 {
		return strings.ToLower(email[idx+1:])
	}
	return ""
}

// isBodyPart returns true if the part is body content rather than an
// attachment: text/plain or text/html without a filename and without an
// explicit Content-Disposition: attachment.
func isBodyPart(part *enmime.Part) bool {
	contentType := strings.ToLower(part.ContentType)
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	if contentType != "text/plain" && contentType != "text/html" {
		return false
	}
	if part.FileName != "" {
		return false
	}
	disposition := strings.ToLower(part.Disposition)
	if idx := strings.Index(disposition, ";"); idx >= 0 {
		disposition = strings.TrimSpace(disposition[:idx])
	}
	return disposition != "attachment"
}

// dateFormats lists common email date formats for parseDate.
var dateFormats = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 MST",
	"02 Jan 2006 15:04:05 -0700",
	"02 Jan 2006 15:04:05 MST",
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
	"Mon, 02 Jan 2006 15:04:05 -0700 (MST)",
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

// parseDate attempts to parse a date string in various formats.
// Returns the time in UTC for consistent storage.
func parseDate(s string) (time.Time, error) {
	s = strings.Join(strings.Fields(s), " ")

	// Strip trailing timezone name in parentheses like "(UTC)" but keep
	// the numeric offset for parsing.
	baseStr := s
	if idx := strings.LastIndex(s, "("); idx > 0 {
		baseStr = strings.TrimSpace(s[:idx])
	}

	for _, format := range dateFormats {
		if t, err := time.Parse(format, baseStr); err == nil {
			return t.UTC(), nil
		}
	}
	if baseStr != s {
		for _, format := range dateFormats {
			if t, err := time.Parse(format, s); err == nil {
				return t.UTC(), nil
			}
		}
	}

	return time.Time{}, nil
}

var blockTagRe = regexp.MustCompile(`(?i)<(/?)(p|div|br|hr|h[1-6]|li|tr|td|th|blockquote|pre|table|ul|ol|dl|dt|dd)[^>]*>`)
var scriptTagRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
var styleTagRe = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
var headTagRe = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// StripHTML removes HTML tags, decodes entities, and normalizes whitespace.
// Block elements are converted to line breaks for readable plain text output.
func StripHTML(rawHTML string) string {
	text := scriptTagRe.ReplaceAllString(rawHTML, "")
	text = styleTagRe.ReplaceAllString(text, "")
	text = headTagRe.ReplaceAllString(text, "")

	text = blockTagRe.ReplaceAllString(text, "\n")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\u00A0", " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	text = strings.Join(lines, "\n")

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(text)
}
