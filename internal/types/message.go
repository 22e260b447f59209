// Package types holds the data model shared by edged's core components:
// inbound messages, attachments, scheduled sends, commands, and events.
package types

import "time"

// Message is an inbound chat message observed by Transport during a poll.
// It is created when Transport assembles a datastore row and destroyed once
// the ingress loop has handled the backend's response to it.
type Message struct {
	ThreadID     string
	Sender       string
	Text         string
	Timestamp    time.Time
	IsGroup      bool
	Participants []string
	Attachments  []Attachment
	RowID        int64
}

// Attachment describes a file attached to an inbound message. AbsolutePath is
// only set once the resolver has confirmed the file exists inside the
// configured attachments root; a zero value means the attachment could not
// be resolved to a safe local path.
type Attachment struct {
	ID           string
	GUID         string
	Filename     string
	MIME         string
	UTI          string
	Size         int64
	RelativePath string
	AbsolutePath string
	IsSticker    bool
	IsOutgoing   bool
}

// Resolved reports whether the attachment was mapped to a verified local path.
func (a Attachment) Resolved() bool {
	return a.AbsolutePath != ""
}
