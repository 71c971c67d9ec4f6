package helpers

import (
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/k3a/html2text"
)

// BodyContent is the text extracted from a MIME message for rule
// evaluation, plus whether any part looked like an attachment.
type BodyContent struct {
	Plaintext     string
	HasAttachment bool
}

// ExtractBodyContent walks the MIME structure and collects the first
// text/plain part for evaluation. When a message carries only HTML the
// markup is flattened to text so body conditions still see the words the
// user sees. Attachment detection goes by content disposition, falling
// back to any non-text, non-multipart leaf part.
func ExtractBodyContent(msg *message.Entity) (*BodyContent, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message entity")
	}

	var plaintext *string
	var htmlBody *string
	hasAttachment := false

	var walk func(*message.Entity) error
	walk = func(entity *message.Entity) error {
		mediaType, _, err := entity.Header.ContentType()
		if err != nil {
			return fmt.Errorf("error getting content type: %v", err)
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			mr := entity.MultipartReader()
			if mr == nil {
				return fmt.Errorf("nil multipart reader for multipart content type")
			}
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					break
				}
				if err != nil {
					return fmt.Errorf("error reading multipart: %v", err)
				}
				if err := walk(part); err != nil {
					return err
				}
			}
			return nil
		}

		if isAttachmentPart(entity, mediaType) {
			hasAttachment = true
		}

		switch mediaType {
		case "text/plain":
			if plaintext == nil {
				content, err := io.ReadAll(entity.Body)
				if err != nil {
					return fmt.Errorf("error reading entity body: %v", err)
				}
				s := string(content)
				plaintext = &s
			}
		case "text/html":
			if htmlBody == nil {
				content, err := io.ReadAll(entity.Body)
				if err != nil {
					return fmt.Errorf("error reading entity body: %v", err)
				}
				s := string(content)
				htmlBody = &s
			}
		}
		return nil
	}

	if err := walk(msg); err != nil {
		return nil, err
	}

	body := ""
	if plaintext != nil {
		body = *plaintext
	} else if htmlBody != nil {
		body = html2text.HTML2Text(*htmlBody)
	}

	return &BodyContent{
		Plaintext:     SanitizeUTF8(body),
		HasAttachment: hasAttachment,
	}, nil
}

func isAttachmentPart(entity *message.Entity, mediaType string) bool {
	disposition, params, _ := entity.Header.ContentDisposition()
	if disposition == "attachment" {
		return true
	}
	if disposition == "inline" && params["filename"] != "" {
		return true
	}
	if strings.HasPrefix(mediaType, "text/") || strings.HasPrefix(mediaType, "multipart/") {
		return false
	}
	// Bare non-text leaf parts (application/pdf, image/png, ...) count even
	// when the sender omitted the disposition header.
	return mediaType != ""
}
