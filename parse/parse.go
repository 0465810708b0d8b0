// Package parse decodes RFC 5322 messages into model.Message values.
//
// Classification of MIME parts:
//   - multipart containers contribute nothing themselves
//   - text/html and text/plain parts not marked as attachment are bodies; the first
//     part of each kind wins and later parts of the same kind are discarded
//   - every other part is an attachment
//
// A part that fails to decode is recorded on the message and the remaining parts
// are still processed.
package parse

import (
	"io"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/gabriel-vasile/mimetype"

	"github.com/dhcgn/mailbag/model"
)

const (
	descBody        = "Error parsing message body"
	descAttachments = "Error parsing attachments"
	descWalk        = "Error walking message parts"
	descMessage     = "Error parsing message"

	defaultCharset = "us-ascii"
)

// Message reads one message from r. The returned message is never nil; failures
// are recorded in its Errors.
func Message(r io.Reader, logger *slog.Logger) *model.Message {
	msg := &model.Message{}

	entity, err := message.Read(r)
	if entity == nil {
		msg.AddError(logger, err, descMessage)
		return msg
	}
	readErr := err

	setEnvelope(msg, entity.Header)

	err = entity.Walk(func(partPath []int, part *message.Entity, err error) error {
		if len(partPath) == 0 && err == nil {
			err = readErr
		}
		handlePart(msg, part, err, logger)
		return nil
	})
	if err != nil {
		msg.AddError(logger, err, descWalk)
	}

	return msg
}

func setEnvelope(msg *model.Message, header message.Header) {
	h := mail.Header{Header: header}

	msg.SourceMessageID = strings.TrimSpace(h.Get("Message-Id"))
	msg.Date = strings.TrimSpace(h.Get("Date"))
	msg.From = headerText(h, "From")
	msg.To = headerText(h, "To")
	msg.Cc = headerText(h, "Cc")
	msg.Bcc = headerText(h, "Bcc")
	msg.Subject = headerText(h, "Subject")
	if mediaType, _, err := h.ContentType(); err == nil {
		msg.ContentType = mediaType
	}
	msg.MessagePath = FolderPath(h.Get("X-Folder"))
}

// headerText decodes encoded words, falling back to the raw value.
func headerText(h mail.Header, key string) string {
	text, err := h.Text(key)
	if err != nil {
		return strings.TrimSpace(h.Get(key))
	}
	return strings.TrimSpace(text)
}

// FolderPath converts an explicit folder header into a relative forward-slash
// path. Empty, "." and ".." segments are dropped so the result never leaves the
// directory it is joined to.
func FolderPath(folder string) string {
	segments := strings.FieldsFunc(strings.TrimSpace(folder), func(r rune) bool {
		return r == '/' || r == '\\'
	})
	out := segments[:0]
	for _, seg := range segments {
		if seg == "." || seg == ".." {
			continue
		}
		out = append(out, seg)
	}
	return strings.Join(out, "/")
}

func handlePart(msg *model.Message, part *message.Entity, err error, logger *slog.Logger) {
	mediaType, params := contentType(part.Header)
	if strings.HasPrefix(mediaType, "multipart/") {
		return
	}

	disposition, _, _ := part.Header.ContentDisposition()
	if disposition != "attachment" && (mediaType == "text/html" || mediaType == "text/plain") {
		handleBody(msg, part, mediaType, params, err, logger)
		return
	}
	handleAttachment(msg, part, mediaType, err, logger)
}

func handleBody(msg *model.Message, part *message.Entity, mediaType string, params map[string]string, err error, logger *slog.Logger) {
	if (mediaType == "text/html" && msg.HTMLBody != nil) || (mediaType == "text/plain" && msg.TextBody != nil) {
		if logger != nil {
			logger.Debug("discarding additional body part", "type", mediaType, "messageID", msg.SourceMessageID)
		}
		return
	}
	if err != nil {
		msg.AddError(logger, err, descBody)
		return
	}

	content, err := io.ReadAll(part.Body)
	if err != nil {
		msg.AddError(logger, err, descBody)
		return
	}

	encoding := strings.ToLower(params["charset"])
	if encoding == "" {
		encoding = defaultCharset
	}
	body := &model.Body{Content: string(content), Encoding: encoding}
	if mediaType == "text/html" {
		msg.HTMLBody = body
	} else {
		msg.TextBody = body
	}
}

func handleAttachment(msg *model.Message, part *message.Entity, mediaType string, err error, logger *slog.Logger) {
	if err != nil {
		msg.AddError(logger, err, descAttachments)
		return
	}

	content, err := io.ReadAll(part.Body)
	if err != nil {
		msg.AddError(logger, err, descAttachments)
		return
	}

	ah := mail.AttachmentHeader{Header: part.Header}
	name, _ := ah.Filename()
	name = AttachmentName(name, len(msg.Attachments))

	if part.Header.Get("Content-Type") == "" {
		mediaType = GuessMimeType(name, content)
	}

	msg.Attachments = append(msg.Attachments, model.Attachment{
		Name:     name,
		MimeType: mediaType,
		Content:  content,
	})
}

// AttachmentName returns the base name of name, or the ordinal of the
// attachment when no usable name is present.
func AttachmentName(name string, ordinal int) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	name = path.Base(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return strconv.Itoa(ordinal)
	}
	return name
}

// GuessMimeType guesses a media type from the file extension, then from content.
func GuessMimeType(name string, content []byte) string {
	if ext := filepath.Ext(name); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			if mediaType, _, err := mime.ParseMediaType(t); err == nil {
				return mediaType
			}
		}
	}
	if len(content) == 0 {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(mimetype.Detect(content).String())
	if err != nil {
		return ""
	}
	return mediaType
}

func contentType(header message.Header) (string, map[string]string) {
	if header.Get("Content-Type") == "" {
		return "text/plain", map[string]string{}
	}
	mediaType, params, err := header.ContentType()
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(header.Get("Content-Type"), ";", 2)[0])), map[string]string{}
	}
	return mediaType, params
}
