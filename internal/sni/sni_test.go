package sni_test

import (
	"testing"

	"github.com/ameshkov/snisocks/internal/sni"
	"github.com/ameshkov/snisocks/internal/sni/snitest"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
)

func TestExtract_realClientHello(t *testing.T) {
	testCases := []struct {
		name       string
		serverName string
		want       string
	}{{
		name:       "plain",
		serverName: "a.example",
		want:       "a.example",
	}, {
		name:       "mixed_case",
		serverName: "Example.COM",
		want:       "example.com",
	}, {
		name:       "long",
		serverName: "very.long.sub.domain.of.some.example.org",
		want:       "very.long.sub.domain.of.some.example.org",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			hello := snitest.ClientHello(t, tc.serverName)

			host, err := sni.Extract(hello)
			require.NoError(t, err)
			require.Equal(t, tc.want, host)
		})
	}
}

func TestExtract_noServerName(t *testing.T) {
	// crypto/tls omits the extension for an empty server name and for IP
	// addresses.
	for _, serverName := range []string{"", "127.0.0.1"} {
		hello := snitest.ClientHello(t, serverName)

		_, err := sni.Extract(hello)
		require.ErrorIs(t, err, sni.ErrNotFound)
	}
}

func TestExtract_fragmented(t *testing.T) {
	hello := snitest.ClientHello(t, "a.example")

	_, err := sni.Extract(hello[:len(hello)/2])
	require.ErrorIs(t, err, sni.ErrMalformed)
}

func TestExtract_crafted(t *testing.T) {
	testCases := []struct {
		name    string
		data    []byte
		want    string
		wantErr error
	}{{
		name:    "empty",
		data:    nil,
		wantErr: sni.ErrMalformed,
	}, {
		name:    "http_request",
		data:    []byte("GET / HTTP/1.1\r\nHost: a.example\r\n\r\n"),
		wantErr: sni.ErrMalformed,
	}, {
		name:    "record_header_only",
		data:    []byte{0x16, 0x03, 0x01, 0x00, 0x10},
		wantErr: sni.ErrMalformed,
	}, {
		name:    "not_client_hello",
		data:    record(0x02, helloBody(nil)),
		wantErr: sni.ErrMalformed,
	}, {
		name:    "no_extensions",
		data:    record(0x01, helloBody(nil)),
		wantErr: sni.ErrNotFound,
	}, {
		name: "other_extensions_only",
		data: record(0x01, helloBody(func(b *cryptobyte.Builder) {
			extension(b, 0x000a, []byte{0x00, 0x02, 0x00, 0x1d})
		})),
		wantErr: sni.ErrNotFound,
	}, {
		name: "sni_after_other_extension",
		data: record(0x01, helloBody(func(b *cryptobyte.Builder) {
			extension(b, 0x000a, []byte{0x00, 0x02, 0x00, 0x1d})
			extension(b, 0x0000, serverNameList(0, "B.Example."))
		})),
		want: "b.example",
	}, {
		name: "sni_without_host_name",
		data: record(0x01, helloBody(func(b *cryptobyte.Builder) {
			extension(b, 0x0000, serverNameList(7, "b.example"))
		})),
		wantErr: sni.ErrNotFound,
	}, {
		name: "empty_host_name",
		data: record(0x01, helloBody(func(b *cryptobyte.Builder) {
			extension(b, 0x0000, serverNameList(0, ""))
		})),
		wantErr: sni.ErrMalformed,
	}, {
		name: "truncated_extension",
		data: record(0x01, helloBody(func(b *cryptobyte.Builder) {
			b.AddUint16(0x0000)
			b.AddUint16(100)
		})),
		wantErr: sni.ErrMalformed,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			host, err := sni.Extract(tc.data)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)

				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.want, host)
		})
	}
}

// record wraps the handshake message body into a TLS record.
func record(msgType uint8, body []byte) (b []byte) {
	var bld cryptobyte.Builder
	bld.AddUint8(0x16)
	bld.AddUint16(0x0301)
	bld.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(msgType)
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(body)
		})
	})

	return bld.BytesOrPanic()
}

// helloBody builds a minimal ClientHello body.  If exts is nil, the
// extensions block is omitted entirely.
func helloBody(exts cryptobyte.BuilderContinuation) (b []byte) {
	var bld cryptobyte.Builder
	bld.AddUint16(0x0303)
	bld.AddBytes(make([]byte, 32))
	bld.AddUint8(0)
	bld.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(0x1301)
	})
	bld.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0)
	})

	if exts != nil {
		bld.AddUint16LengthPrefixed(exts)
	}

	return bld.BytesOrPanic()
}

func extension(b *cryptobyte.Builder, extType uint16, data []byte) {
	b.AddUint16(extType)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(data)
	})
}

func serverNameList(nameType uint8, name string) (data []byte) {
	var bld cryptobyte.Builder
	bld.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(nameType)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(name))
		})
	})

	return bld.BytesOrPanic()
}
