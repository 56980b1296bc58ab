package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ContentKind tags the variant held by a Content value.
type ContentKind string

const (
	ContentText                ContentKind = "text"
	ContentTextWithAttachments ContentKind = "text_with_attachments"
)

// Attachment references media sent by the customer.
type Attachment struct {
	Type string `json:"type" dynamodbav:"type"`
	URL  string `json:"url" dynamodbav:"url"`
}

// Content is the payload of a conversation turn. It is either plain text or
// text with one or more attachments; Kind selects which.
type Content struct {
	Kind        ContentKind  `json:"kind" dynamodbav:"kind"`
	Text        string       `json:"text" dynamodbav:"text"`
	Attachments []Attachment `json:"attachments,omitempty" dynamodbav:"attachments,omitempty"`
}

func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

// NewContent returns a text variant when atts is empty and a
// text-with-attachments variant otherwise.
func NewContent(text string, atts []Attachment) Content {
	if len(atts) == 0 {
		return TextContent(text)
	}
	return Content{Kind: ContentTextWithAttachments, Text: text, Attachments: atts}
}

// Validate checks that the variant tag agrees with the payload.
func (c Content) Validate() error {
	switch c.Kind {
	case ContentText:
		if len(c.Attachments) > 0 {
			return errors.New("domain: text content must not carry attachments")
		}
		return nil
	case ContentTextWithAttachments:
		if len(c.Attachments) == 0 {
			return errors.New("domain: attachment content requires at least one attachment")
		}
		for _, a := range c.Attachments {
			if strings.TrimSpace(a.URL) == "" {
				return errors.New("domain: attachment url must not be empty")
			}
		}
		return nil
	default:
		return fmt.Errorf("domain: unknown content kind %q", c.Kind)
	}
}

// ImageURLs returns the URLs of image attachments.
func (c Content) ImageURLs() []string {
	if c.Kind != ContentTextWithAttachments {
		return nil
	}
	var urls []string
	for _, a := range c.Attachments {
		if a.Type == "image" && a.URL != "" {
			urls = append(urls, a.URL)
		}
	}
	return urls
}
