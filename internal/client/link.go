package client

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Key seals session titles and participant names so the server only stores
// ciphertext. It travels in the fragment of the shareable link, which
// browsers never send to the server.
type Key [chacha20poly1305.KeySize]byte

func NewKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("client: generate key: %w", err)
	}
	return k, nil
}

func ParseKey(s string) (Key, error) {
	var k Key
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("client: decode key: %w", err)
	}
	if len(b) != len(k) {
		return Key{}, fmt.Errorf("client: key is %d bytes, want %d", len(b), len(k))
	}
	copy(k[:], b)
	return k, nil
}

func (k Key) String() string {
	return base64.RawURLEncoding.EncodeToString(k[:])
}

// Seal encrypts text with a random nonce and returns nonce and ciphertext as
// base64url.
func (k Key) Seal(text string) (string, error) {
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(text)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("client: generate nonce: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(aead.Seal(nonce, nonce, []byte(text), nil)), nil
}

// Open reverses Seal. Text that was not sealed with k is returned as is.
func (k Key) Open(sealed string) string {
	b, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return sealed
	}

	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil || len(b) < aead.NonceSize()+aead.Overhead() {
		return sealed
	}

	nonce, ciphertext := b[:aead.NonceSize()], b[aead.NonceSize():]
	text, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return sealed
	}
	return string(text)
}

// Link builds the shareable address of a session, e.g.
// https://poker.example.com/session/1a2b3c4d#<key>.
func Link(baseURL, sessionID string, key *Key) string {
	link := strings.TrimRight(baseURL, "/") + "/session/" + url.PathEscape(sessionID)
	if key != nil {
		link += "#" + key.String()
	}
	return link
}

// ParseLink extracts the session id and, when present, the key of a link.
func ParseLink(link string) (sessionID string, key *Key, err error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", nil, fmt.Errorf("client: parse link: %w", err)
	}

	const segment = "/session/"
	i := strings.LastIndex(u.Path, segment)
	if i < 0 {
		return "", nil, fmt.Errorf("client: %q is not a session link", link)
	}
	rest := u.Path[i+len(segment):]
	if rest == "" || strings.Contains(rest, "/") {
		return "", nil, fmt.Errorf("client: %q is not a session link", link)
	}

	if u.Fragment == "" {
		return rest, nil, nil
	}
	k, err := ParseKey(u.Fragment)
	if err != nil {
		return "", nil, err
	}
	return rest, &k, nil
}
