// Package sni extracts the server name from the first bytes of a TLS
// connection without terminating it.
package sni

import (
	"fmt"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/crypto/cryptobyte"
)

const (
	// ErrNotFound is returned when the data is a well-formed ClientHello that
	// does not carry a host_name in the server_name extension.
	ErrNotFound errors.Error = "sni: server name not found"

	// ErrMalformed is returned when the data cannot be parsed as a TLS
	// handshake record containing a ClientHello.
	ErrMalformed errors.Error = "sni: malformed client hello"
)

// TLS constants that are required to walk the ClientHello.
const (
	recordTypeHandshake   = 0x16
	handshakeClientHello  = 0x01
	extensionServerName   = 0x0000
	serverNameTypeHost    = 0x00
	recordHeaderLen       = 5
	maxPlaintextRecordLen = 1 << 14

	// MaxRecordSize is the size of the largest TLS plaintext record including
	// its header.  A single ClientHello record never exceeds it.
	MaxRecordSize = recordHeaderLen + maxPlaintextRecordLen
)

// Extract returns the lowercase hostname from the server_name extension of the
// ClientHello contained in data.  Only the first TLS record is inspected, so a
// ClientHello that is split across several records or several reads is
// reported as malformed.
func Extract(data []byte) (host string, err error) {
	hello, err := readClientHello(cryptobyte.String(data))
	if err != nil {
		return "", err
	}

	exts, ok := readExtensions(&hello)
	if !ok {
		return "", fmt.Errorf("%w: bad extensions block", ErrMalformed)
	}

	for !exts.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !exts.ReadUint16(&extType) || !exts.ReadUint16LengthPrefixed(&extData) {
			return "", fmt.Errorf("%w: truncated extension", ErrMalformed)
		}

		if extType != extensionServerName {
			continue
		}

		return readServerName(extData)
	}

	return "", ErrNotFound
}

// readClientHello validates the record and handshake headers and returns the
// ClientHello body.
func readClientHello(s cryptobyte.String) (hello cryptobyte.String, err error) {
	var contentType uint8
	var record cryptobyte.String
	if !s.ReadUint8(&contentType) || !s.Skip(2) || !s.ReadUint16LengthPrefixed(&record) {
		return nil, fmt.Errorf("%w: incomplete record", ErrMalformed)
	}

	if contentType != recordTypeHandshake {
		return nil, fmt.Errorf("%w: content type %d", ErrMalformed, contentType)
	}

	var msgType uint8
	if !record.ReadUint8(&msgType) {
		return nil, fmt.Errorf("%w: empty handshake record", ErrMalformed)
	}

	if msgType != handshakeClientHello {
		return nil, fmt.Errorf("%w: handshake type %d", ErrMalformed, msgType)
	}

	if !record.ReadUint24LengthPrefixed(&hello) {
		return nil, fmt.Errorf("%w: handshake exceeds the first record", ErrMalformed)
	}

	// legacy_version and random.
	if !hello.Skip(2 + 32) {
		return nil, fmt.Errorf("%w: truncated client hello", ErrMalformed)
	}

	var sessionID, cipherSuites, compression cryptobyte.String
	if !hello.ReadUint8LengthPrefixed(&sessionID) ||
		!hello.ReadUint16LengthPrefixed(&cipherSuites) ||
		!hello.ReadUint8LengthPrefixed(&compression) {
		return nil, fmt.Errorf("%w: truncated client hello", ErrMalformed)
	}

	return hello, nil
}

// readExtensions returns the extensions block of the rest of ClientHello.  A
// ClientHello without extensions is valid and yields an empty block.
func readExtensions(hello *cryptobyte.String) (exts cryptobyte.String, ok bool) {
	if hello.Empty() {
		return nil, true
	}

	if !hello.ReadUint16LengthPrefixed(&exts) {
		return nil, false
	}

	return exts, hello.Empty()
}

// readServerName parses the server_name extension payload.
func readServerName(ext cryptobyte.String) (host string, err error) {
	var list cryptobyte.String
	if !ext.ReadUint16LengthPrefixed(&list) || !ext.Empty() {
		return "", fmt.Errorf("%w: bad server_name extension", ErrMalformed)
	}

	for !list.Empty() {
		var nameType uint8
		var name cryptobyte.String
		if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
			return "", fmt.Errorf("%w: bad server_name entry", ErrMalformed)
		}

		if nameType != serverNameTypeHost {
			continue
		}

		host = strings.TrimSuffix(string(name), ".")
		if host == "" || strings.ContainsAny(host, "\x00 /") {
			return "", fmt.Errorf("%w: invalid host_name %q", ErrMalformed, name)
		}

		return strings.ToLower(host), nil
	}

	return "", ErrNotFound
}
