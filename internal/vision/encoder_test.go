package vision_test

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"RelayChat/internal/turns"
	"RelayChat/internal/vision"

	"github.com/stretchr/testify/require"
)

func TestEncodeProducesDataURL(t *testing.T) {
	enc := vision.NewEncoder(1024, []string{"image/jpeg", "image/png"})
	data := []byte{0xFF, 0xD8, 0xFF, 0xE0}

	part, err := enc.Encode(turns.ImageAttachment{Data: data, MediaType: "image/jpeg"})
	require.NoError(t, err)
	require.Equal(t, turns.PartTypeImage, part.Type)
	require.NotNil(t, part.ImageURL)
	require.True(t, strings.HasPrefix(part.ImageURL.URL, "data:image/jpeg;base64,"))

	encoded := strings.TrimPrefix(part.ImageURL.URL, "data:image/jpeg;base64,")
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, decoded))
}

func TestEncodeRejectsEmptyImage(t *testing.T) {
	enc := vision.NewEncoder(1024, []string{"image/jpeg"})

	_, err := enc.Encode(turns.ImageAttachment{MediaType: "image/jpeg"})
	require.ErrorIs(t, err, vision.ErrEmptyImage)
}

func TestEncodeRejectsOversizedImage(t *testing.T) {
	enc := vision.NewEncoder(8, []string{"image/jpeg"})

	_, err := enc.Encode(turns.ImageAttachment{Data: make([]byte, 9), MediaType: "image/jpeg"})
	require.ErrorIs(t, err, vision.ErrImageTooLarge)
}

func TestEncodeRejectsUnsupportedMediaType(t *testing.T) {
	enc := vision.NewEncoder(1024, []string{"image/jpeg", "image/png"})

	_, err := enc.Encode(turns.ImageAttachment{Data: []byte{1}, MediaType: "image/tiff"})
	require.ErrorIs(t, err, vision.ErrUnsupportedMediaType)
	require.Contains(t, err.Error(), "image/tiff")
}

func TestEncodeAtExactLimit(t *testing.T) {
	enc := vision.NewEncoder(4, []string{"image/png"})

	_, err := enc.Encode(turns.ImageAttachment{Data: make([]byte, 4), MediaType: "image/png"})
	require.NoError(t, err)
}
