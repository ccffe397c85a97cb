package turns

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	PartTypeText  = "text"
	PartTypeImage = "image_url"
)

// ContentPart is one element of a multimodal content array, wire-compatible
// with the OpenAI chat-completion content format.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageRef `json:"image_url,omitempty"`
}

// ImageRef holds an inline data URL for an encoded image.
type ImageRef struct {
	URL string `json:"url"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartTypeText, Text: text}
}

// ImageAttachment is raw inbound image data before encoding.
type ImageAttachment struct {
	Data      []byte
	MediaType string
}

// Turn is one message in a conversation. A text-only turn carries Text and no
// Parts. A multimodal turn carries Parts (image parts first, then the text
// part) and Text mirrors the caption for logging and budget accounting.
type Turn struct {
	Role      string        `json:"role"`
	Text      string        `json:"text,omitempty"`
	Parts     []ContentPart `json:"parts,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Text builds a text-only turn stamped with the current time.
func Text(role, text string) Turn {
	return Turn{Role: role, Text: text, Timestamp: time.Now()}
}

// Multimodal builds a turn from content parts. The caption is the text of the
// last text part, if any.
func Multimodal(role string, parts []ContentPart) Turn {
	t := Turn{Role: role, Parts: parts, Timestamp: time.Now()}
	for _, p := range parts {
		if p.Type == PartTypeText {
			t.Text = p.Text
		}
	}
	return t
}

// IsMultimodal reports whether the turn carries at least one image part.
func (t Turn) IsMultimodal() bool {
	for _, p := range t.Parts {
		if p.Type == PartTypeImage {
			return true
		}
	}
	return false
}

// Empty reports whether the turn has neither text nor parts.
func (t Turn) Empty() bool {
	return t.Text == "" && len(t.Parts) == 0
}

// Content returns the wire content value: a plain string for text turns, the
// content-part array for multimodal turns.
func (t Turn) Content() any {
	if len(t.Parts) > 0 {
		return t.Parts
	}
	return t.Text
}

// PayloadLen is the approximate serialized size of the turn's content,
// counting inline image data. Used by the request builder's budget check.
func (t Turn) PayloadLen() int {
	if len(t.Parts) == 0 {
		return len(t.Text)
	}
	n := 0
	for _, p := range t.Parts {
		n += len(p.Text)
		if p.ImageURL != nil {
			n += len(p.ImageURL.URL)
		}
	}
	return n
}
