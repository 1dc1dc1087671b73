// Package codec encodes upstream proxy credentials.
package codec

import (
	"encoding/base64"
	"fmt"

	"github.com/codefionn/netemu/netemu-srv/neterr"
)

// EncodedLen returns the length of the padded base64 encoding of n bytes.
func EncodedLen(n int) int {
	return (n + 2) / 3 * 4
}

// Encode writes the padded standard base64 encoding of src into dst and
// returns the number of bytes written. If dst cannot hold the whole
// encoding nothing is written and a BufferTooSmall error is returned.
func Encode(dst, src []byte) (int, error) {
	n := EncodedLen(len(src))
	if len(dst) < n {
		return 0, neterr.Errorf(neterr.ErrCodeBufferTooSmall, "need %d bytes, have %d", n, len(dst))
	}
	base64.StdEncoding.Encode(dst[:n], src)
	return n, nil
}

// EncodeToString returns the padded standard base64 encoding of src.
func EncodeToString(src []byte) string {
	buf := make([]byte, EncodedLen(len(src)))
	// buf is sized exactly, Encode cannot fail
	_, _ = Encode(buf, src)
	return string(buf)
}

// BasicAuth returns the value of a Basic credentials header for user and pass.
func BasicAuth(user, pass string) string {
	return fmt.Sprintf("Basic %s", EncodeToString([]byte(user+":"+pass)))
}
