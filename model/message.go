package model

// Message represents a single email parsed from a source export.
type Message struct {
	SourceMessageID string
	SequenceID      int

	Date        string
	From        string
	To          string
	Cc          string
	Bcc         string
	Subject     string
	ContentType string

	TextBody *Body
	HTMLBody *Body

	// OriginalFile is where the message was read from.
	OriginalFile string
	// MessagePath is the logical folder recovered from the source.
	MessagePath string
	// DerivativesPath is the normalized folder derivatives are written under.
	DerivativesPath string

	Attachments []Attachment

	Errors Errors
}

// Body is a decoded message body and the character encoding it was declared with.
type Body struct {
	Content  string
	Encoding string
}

// Attachment is one non-body part of a message.
type Attachment struct {
	Name     string
	MimeType string
	Content  []byte
}

// AttachmentCount returns the number of attachments.
func (m *Message) AttachmentCount() int {
	return len(m.Attachments)
}

// HasBody reports whether the message carries an HTML or plain text body.
func (m *Message) HasBody() bool {
	return m.HTMLBody != nil || m.TextBody != nil
}

// Envelope wraps a message alongside an error that ended the source stream.
type Envelope struct {
	Message *Message
	Err     error
}
