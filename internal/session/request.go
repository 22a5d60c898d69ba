package session

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Request is the query of one question stream.
type Request struct {
	Question       string
	AppID          string
	ConversationID string
	FileIDs        []string
	// Cached is set when the question was stored with cacheQuestion and must
	// be left out of the query.
	Cached bool
}

// NewRequest builds the request for question. Questions whose encoded form is
// longer than threshold are marked Cached.
func NewRequest(question, appID, conversationID string, fileIDs []string, threshold int) Request {
	return Request{
		Question:       question,
		AppID:          appID,
		ConversationID: conversationID,
		FileIDs:        fileIDs,
		Cached:         threshold > 0 && len(EncodeURIComponent(question)) > threshold,
	}
}

// Encode returns the query string. Keys keep the order question, app_id,
// conversation_id, file.
func (r Request) Encode() string {
	parts := make([]string, 0, 4)
	if !r.Cached {
		parts = append(parts, "question="+EncodeURIComponent(r.Question))
	}
	parts = append(parts, "app_id="+EncodeURIComponent(r.AppID))
	if r.ConversationID != "" {
		parts = append(parts, "conversation_id="+EncodeURIComponent(r.ConversationID))
	}
	if len(r.FileIDs) > 0 {
		parts = append(parts, "file="+EncodeURIComponent(strings.Join(r.FileIDs, ",")))
	}
	return strings.Join(parts, "&")
}

// WrapContext embeds a host context payload in front of the question.
func WrapContext(question string, payload json.RawMessage) string {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return question
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(payload)
	}
	return "<Context>" + pretty.String() + "</Context>\n<Question>" + question + "</Question>"
}

const upperhex = "0123456789ABCDEF"

// EncodeURIComponent percent-encodes s leaving only A-Z a-z 0-9 and - _ . ! ~ * ' ( )
// unescaped. The threshold on oversized questions is measured on this form.
func EncodeURIComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
