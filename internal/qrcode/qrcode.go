// Package qrcode builds the link a client scans to register with this relay.
package qrcode

import (
	"errors"
	"net/url"
	"strings"

	goqrcode "github.com/skip2/go-qrcode"
)

const Intro = "Scan the following QR code to link pushsocket, or enter the following link manually:"

const (
	TypeWebserver = "webserver"
	TypeAirgapped = "airgapped"
)

const linkBase = "pushsocket://link"

var ErrMissingKey = errors.New("qrcode: vapid public key is required")

// LinkURL returns the link for a relay reachable at serverURL.
func LinkURL(vapidPub, serverURL string) (string, error) {
	if serverURL == "" {
		return "", errors.New("qrcode: server url is required")
	}
	if _, err := url.Parse(serverURL); err != nil {
		return "", err
	}
	return link(vapidPub, serverURL, TypeWebserver)
}

// AirgappedURL returns the link for a relay that the client cannot reach;
// connections are then added with `pushsocket connection add`.
func AirgappedURL(vapidPub string) (string, error) {
	return link(vapidPub, "", TypeAirgapped)
}

func link(vapidPub, serverURL, kind string) (string, error) {
	if vapidPub == "" {
		return "", ErrMissingKey
	}
	q := url.Values{}
	q.Set("vapid", vapidPub)
	if serverURL != "" {
		q.Set("url", serverURL)
	}
	q.Set("type", kind)
	return linkBase + "?" + q.Encode(), nil
}

// Terminal renders content as a QR code drawn with half-block characters,
// two modules per text row, quiet zone included.
func Terminal(content string) (string, error) {
	code, err := goqrcode.New(content, goqrcode.Low)
	if err != nil {
		return "", err
	}
	return render(code.Bitmap()), nil
}

func render(bitmap [][]bool) string {
	at := func(x, y int) bool {
		return y < len(bitmap) && x < len(bitmap[y]) && bitmap[y][x]
	}

	var b strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		for x := range bitmap[y] {
			top, bottom := at(x, y), at(x, y+1)
			switch {
			case top && bottom:
				b.WriteRune('█')
			case top:
				b.WriteRune('▀')
			case bottom:
				b.WriteRune('▄')
			default:
				b.WriteByte(' ')
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
