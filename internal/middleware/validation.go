package middleware

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxQuestionLength = 512 * 1024
	maxIDLength       = 128
	maxTypeLength     = 64
	maxFileNameLength = 255
)

// ValidateQuestion validates a submitted question.
func ValidateQuestion(question string) error {
	if strings.TrimSpace(question) == "" {
		return errors.New("question cannot be empty")
	}
	if len(question) > maxQuestionLength {
		return errors.New("question exceeds maximum length")
	}
	if !utf8.ValidString(question) {
		return errors.New("question must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation id.
func ValidateConversationID(id string) error {
	if err := validateID(id); err != nil {
		return errors.New("invalid conversation ID: " + err.Error())
	}
	return nil
}

// ValidateAssistantID validates an assistant app id.
func ValidateAssistantID(id string) error {
	if err := validateID(id); err != nil {
		return errors.New("invalid assistant ID: " + err.Error())
	}
	return nil
}

// ValidateMessageType validates the type of a host message.
func ValidateMessageType(typ string) error {
	if typ == "" {
		return errors.New("message type cannot be empty")
	}
	if len(typ) > maxTypeLength {
		return errors.New("message type exceeds maximum length")
	}
	for _, r := range typ {
		if !(r == '_' || unicode.IsUpper(r) || unicode.IsDigit(r)) {
			return errors.New("message type must be upper snake case")
		}
	}
	return nil
}

// ValidateFileName validates the name of an uploaded file.
func ValidateFileName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("file name cannot be empty")
	}
	if len(name) > maxFileNameLength {
		return errors.New("file name exceeds maximum length")
	}
	if strings.ContainsAny(name, "/\\") {
		return errors.New("file name must not contain path separators")
	}
	return nil
}

func validateID(id string) error {
	if id == "" {
		return errors.New("empty")
	}
	if len(id) > maxIDLength {
		return errors.New("too long")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return errors.New("contains whitespace or control characters")
		}
	}
	return nil
}
