// Package inbound turns raw RFC 5322 mail into UserReplyReceived events. It
// extracts the referenced event id from the X-Event-ID header, the subject
// [ref:...] marker, or a Reference: token in the body, in that order.
package inbound

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // registers common charsets for header decoding
	gomail "github.com/emersion/go-message/mail"
)

// Sentinel errors for inbound mail parsing.
var (
	// ErrEventIDMissing is returned when no channel of the message carries a
	// recognizable event id.
	ErrEventIDMissing = errors.New("inbound message carries no event id")

	// ErrMessageMalformed wraps unparseable RFC 5322 input.
	ErrMessageMalformed = errors.New("inbound message is malformed")
)

// Extraction patterns. Matching is case-insensitive; the captured id is
// uppercased afterwards, which is safe because event ids use an
// uppercase-alphanumeric alphabet.
var (
	subjectRefPattern = regexp.MustCompile(`(?i)\[ref:([A-Za-z0-9-]+)\]`)
	bodyRefPattern    = regexp.MustCompile(`(?i)reference:\s*([A-Za-z0-9-]+)`)
)

type (
	// ParsedMessage is the normalized view of one inbound mail.
	ParsedMessage struct {
		// EventID is the referenced workflow event id.
		EventID string
		// MessageID is the normalized Message-ID of the reply itself.
		MessageID string
		// InReplyTo is the normalized parent Message-ID, when present.
		InReplyTo string
		// From is the sender address.
		From string
		// Subject is the decoded subject line.
		Subject string
		// Body is the first text/plain part.
		Body string
		// Attachments holds the non-inline parts.
		Attachments []ParsedAttachment
	}

	// ParsedAttachment is one non-inline part of an inbound message.
	ParsedAttachment struct {
		Filename    string
		ContentType string
		Content     []byte
	}
)

// Parse reads one RFC 5322 message and extracts the fields the workflow
// cares about. It returns ErrEventIDMissing when no event id can be resolved;
// the message itself is still fully parsed in that case so callers can log
// or dead-letter it with context.
func Parse(r io.Reader) (*ParsedMessage, error) {
	// An unknown charset is non-fatal: the entity is still usable and the
	// body passes through undecoded, so a reply carrying a resolvable event
	// id is never dropped over an exotic encoding.
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %w", ErrMessageMalformed, err)
	}

	mr := gomail.NewReader(entity)

	parsed := &ParsedMessage{}

	if subject, err := mr.Header.Subject(); err == nil {
		parsed.Subject = subject
	}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		parsed.From = from[0].Address
	}

	if messageID, err := mr.Header.MessageID(); err == nil && messageID != "" {
		parsed.MessageID = "<" + messageID + ">"
	}

	if parents, err := mr.Header.MsgIDList("In-Reply-To"); err == nil && len(parents) > 0 {
		parsed.InReplyTo = "<" + parents[0] + ">"
	}

	headerEventID := strings.TrimSpace(mr.Header.Get("X-Event-ID"))

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}

		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("%w: %w", ErrMessageMalformed, err)
		}

		if part == nil {
			break
		}

		switch header := part.Header.(type) {
		case *gomail.InlineHeader:
			contentType, _, _ := header.ContentType()
			if parsed.Body == "" && (contentType == "" || contentType == "text/plain") {
				content, err := io.ReadAll(part.Body)
				if err != nil {
					return nil, fmt.Errorf("%w: %w", ErrMessageMalformed, err)
				}

				parsed.Body = string(content)
			}
		case *gomail.AttachmentHeader:
			filename, _ := header.Filename()
			contentType, _, _ := header.ContentType()

			content, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMessageMalformed, err)
			}

			parsed.Attachments = append(parsed.Attachments, ParsedAttachment{
				Filename:    filename,
				ContentType: contentType,
				Content:     content,
			})
		}
	}

	parsed.EventID = resolveEventID(headerEventID, parsed.Subject, parsed.Body)
	if parsed.EventID == "" {
		return parsed, ErrEventIDMissing
	}

	return parsed, nil
}

// resolveEventID applies the extraction order: header verbatim, then subject
// marker, then the first body reference. The body match is deliberately
// unanchored so a reference quoted mid-line in a reply still resolves.
// Subject and body captures are uppercased; the header value is trusted as
// sent.
func resolveEventID(header, subject, body string) string {
	if header != "" {
		return header
	}

	if match := subjectRefPattern.FindStringSubmatch(subject); match != nil {
		return strings.ToUpper(match[1])
	}

	if match := bodyRefPattern.FindStringSubmatch(body); match != nil {
		return strings.ToUpper(match[1])
	}

	return ""
}
