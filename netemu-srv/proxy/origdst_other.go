//go:build !linux

package proxy

import (
	"net"

	"github.com/codefionn/netemu/netemu-srv/neterr"
)

const transparentSupported = false

func originalDestination(net.Conn) (string, error) {
	return "", neterr.Errorf(neterr.ErrCodeUnsupportedPlatform, "SO_ORIGINAL_DST")
}
