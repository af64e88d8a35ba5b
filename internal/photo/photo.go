// Package photo turns the encoded photo strings sent by clients into raw image bytes.
package photo

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidImageEncoding is returned when a payload is empty or not valid base64.
var ErrInvalidImageEncoding = errors.New("invalid image encoding")

var dataURIPrefixes = []string{
	"data:image/jpeg;base64,",
	"data:image/jpg;base64,",
	"data:image/png;base64,",
}

// Decode strips a recognised data-URI prefix and base64-decodes the rest.
// The image itself is not inspected.
func Decode(payload string) ([]byte, error) {
	body := stripPrefix(strings.TrimSpace(payload))
	body = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, body)
	if body == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImageEncoding)
	}

	enc := base64.StdEncoding
	if len(body)%4 != 0 && !strings.HasSuffix(body, "=") {
		enc = base64.RawStdEncoding
	}
	data, err := enc.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImageEncoding, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidImageEncoding)
	}
	return data, nil
}

func stripPrefix(s string) string {
	lower := strings.ToLower(s)
	for _, prefix := range dataURIPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return s[len(prefix):]
		}
	}
	return s
}
