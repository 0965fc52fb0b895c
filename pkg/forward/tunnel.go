package forward

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/getmockd/mockproxy/pkg/proxyerr"
	"github.com/getmockd/mockproxy/pkg/rule"
)

// DialTunnel opens a raw TCP connection to a CONNECT authority for a tunnel
// the proxy does not decrypt. The address policy and local binding are the
// same as for Forward; a missing port defaults to 443.
func (f *Forwarder) DialTunnel(ctx context.Context, authority string, opts *rule.PassThroughOptions) (net.Conn, error) {
	if opts == nil {
		opts = &rule.PassThroughOptions{}
	}
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		host, portStr = strings.Trim(authority, "[]"), "443"
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || p == 0 || host == "" {
		return nil, proxyerr.New(proxyerr.KindProtocol, "target", fmt.Errorf("invalid CONNECT target %q", authority))
	}

	conn, err := f.dial(ctx, Target{Scheme: "tcp", Hostname: host, Port: uint16(p)}, opts.LocalAddress)
	if err != nil {
		return nil, err
	}
	f.log.Debug("tunnel opened", "target", authority, "remote", conn.RemoteAddr().String())
	return conn, nil
}
