package llms

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

type Image struct {
	Data     []byte
	MIMEType string
}

// DecodeImage decodes a base64 frame as sent by the browser. Both raw base64
// and data URLs ("data:image/jpeg;base64,...") are accepted.
func DecodeImage(encoded string) (*Image, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("empty image data")
	}

	mimeType := ""
	if strings.HasPrefix(encoded, "data:") {
		header, payload, ok := strings.Cut(encoded, ",")
		if !ok {
			return nil, fmt.Errorf("malformed data url")
		}
		mimeType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		encoded = payload
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	return &Image{Data: data, MIMEType: mimeType}, nil
}

func (i Image) DataURL() string {
	return "data:" + i.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}
