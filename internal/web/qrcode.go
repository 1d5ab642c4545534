package web

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"

	"github.com/pquerna/otp"
)

const defaultQRCodeSize = 200

// QRCodeRenderer draws an otpauth URI as a PNG data URL.
type QRCodeRenderer struct {
	size int
}

// NewQRCodeRenderer constructs a renderer. Non-positive sizes use the default.
func NewQRCodeRenderer(size int) *QRCodeRenderer {
	if size <= 0 {
		size = defaultQRCodeSize
	}
	return &QRCodeRenderer{size: size}
}

// Render returns a data:image/png;base64 URL for the URI.
func (renderer *QRCodeRenderer) Render(uri string) (string, error) {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return "", fmt.Errorf("qrcode.parse_uri: %w", err)
	}
	image, err := key.Image(renderer.size, renderer.size)
	if err != nil {
		return "", fmt.Errorf("qrcode.render: %w", err)
	}
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, image); err != nil {
		return "", fmt.Errorf("qrcode.encode: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buffer.Bytes()), nil
}
