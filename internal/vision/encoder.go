// Package vision validates inbound images and encodes them into the inline
// content representation the inference protocol expects.
package vision

import (
	"encoding/base64"
	"errors"
	"fmt"

	"RelayChat/internal/turns"
)

var (
	ErrEmptyImage           = errors.New("image is empty")
	ErrImageTooLarge        = errors.New("image exceeds the configured size limit")
	ErrUnsupportedMediaType = errors.New("unsupported image media type")
)

// Encoder turns raw image bytes into an inline data-URL content part. It is a
// pure transformation with no network or storage side effects.
type Encoder struct {
	maxBytes int64
	allowed  map[string]struct{}
}

// NewEncoder builds an encoder enforcing a byte cap and a media-type
// allow-list.
func NewEncoder(maxBytes int64, mediaTypes []string) *Encoder {
	allowed := make(map[string]struct{}, len(mediaTypes))
	for _, mt := range mediaTypes {
		allowed[mt] = struct{}{}
	}
	return &Encoder{maxBytes: maxBytes, allowed: allowed}
}

// Encode validates the attachment and returns its image content part.
func (e *Encoder) Encode(att turns.ImageAttachment) (turns.ContentPart, error) {
	if len(att.Data) == 0 {
		return turns.ContentPart{}, ErrEmptyImage
	}
	if int64(len(att.Data)) > e.maxBytes {
		return turns.ContentPart{}, fmt.Errorf("%w: %d bytes", ErrImageTooLarge, len(att.Data))
	}
	if _, ok := e.allowed[att.MediaType]; !ok {
		return turns.ContentPart{}, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, att.MediaType)
	}

	url := fmt.Sprintf("data:%s;base64,%s", att.MediaType, base64.StdEncoding.EncodeToString(att.Data))
	return turns.ContentPart{
		Type:     turns.PartTypeImage,
		ImageURL: &turns.ImageRef{URL: url},
	}, nil
}
