package qrcode

import (
	"net/url"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkURL(t *testing.T) {
	raw, err := LinkURL("BKey", "https://relay.example/")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "pushsocket", u.Scheme)
	assert.Equal(t, "link", u.Host)
	assert.Equal(t, "BKey", u.Query().Get("vapid"))
	assert.Equal(t, "https://relay.example/", u.Query().Get("url"))
	assert.Equal(t, TypeWebserver, u.Query().Get("type"))
}

func TestAirgappedURL(t *testing.T) {
	raw, err := AirgappedURL("BKey")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeAirgapped, u.Query().Get("type"))
	assert.False(t, u.Query().Has("url"))
}

func TestLink_RequiresKey(t *testing.T) {
	_, err := AirgappedURL("")
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = LinkURL("BKey", "")
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	bitmap := [][]bool{
		{true, false, true, false},
		{true, true, false, false},
		{false, true, false, false},
	}
	assert.Equal(t, "█▄▀ \n ▀  \n", render(bitmap))
}

func TestTerminal(t *testing.T) {
	out, err := Terminal("pushsocket://link?type=airgapped&vapid=BKey")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.NotEmpty(t, lines)
	width := utf8.RuneCountInString(lines[0])
	for _, l := range lines {
		assert.Equal(t, width, utf8.RuneCountInString(l))
	}
	// The quiet zone keeps the first row blank.
	assert.Equal(t, strings.Repeat(" ", width), lines[0])
	assert.Equal(t, (width+1)/2, len(lines))
}
