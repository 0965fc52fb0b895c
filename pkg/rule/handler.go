package rule

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/getmockd/mockproxy/internal/netaddr"
)

// HandlerKind tags the variant held by a Handler.
type HandlerKind int

const (
	HandlerStatic HandlerKind = iota + 1
	HandlerCallback
	HandlerPassThrough
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerStatic:
		return "static"
	case HandlerCallback:
		return "callback"
	case HandlerPassThrough:
		return "passthrough"
	default:
		return fmt.Sprintf("HandlerKind(%d)", int(k))
	}
}

// CallbackFunc produces a response for a request. Returning an error, a nil
// response or panicking results in a 500 for the client and a handler error
// on the proxy's event channel.
type CallbackFunc func(ctx context.Context, req *Request) (*Response, error)

// Handler is a tagged union; exactly the field named by Kind is set.
type Handler struct {
	Kind        HandlerKind
	Static      *Response
	Callback    CallbackFunc
	PassThrough *PassThroughOptions
}

// PassThroughOptions controls how a request is relayed to its destination.
type PassThroughOptions struct {
	// LocalAddress binds the outgoing socket to this IP literal. It also pins
	// the family used to reach the destination.
	LocalAddress string `json:"localAddress,omitempty" yaml:"localAddress,omitempty"`

	// IgnoreHostCertificateErrors disables upstream certificate verification.
	IgnoreHostCertificateErrors bool `json:"ignoreHostCertificateErrors,omitempty" yaml:"ignoreHostCertificateErrors,omitempty"`

	// IgnoreHostHTTPSErrors disables verification for the listed hostnames only.
	IgnoreHostHTTPSErrors []string `json:"ignoreHostHttpsErrors,omitempty" yaml:"ignoreHostHttpsErrors,omitempty"`

	// TrustAdditionalCAs are PEM certificates trusted in addition to the system roots.
	TrustAdditionalCAs [][]byte `json:"-" yaml:"-"`

	// ForwardTo redirects the request to another host[:port] or scheme://host[:port].
	ForwardTo string `json:"forwardTo,omitempty" yaml:"forwardTo,omitempty"`
}

// Validate checks the options without touching the network.
func (o *PassThroughOptions) Validate() error {
	if o == nil {
		return nil
	}
	if _, _, err := netaddr.ParseLocalAddress(o.LocalAddress); err != nil {
		return err
	}
	return nil
}

// Static returns a handler that always replies with resp.
func Static(resp Response) Handler {
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	return Handler{Kind: HandlerStatic, Static: &resp}
}

// Callback returns a handler that calls fn.
func Callback(fn CallbackFunc) Handler {
	return Handler{Kind: HandlerCallback, Callback: fn}
}

// PassThrough returns a handler that relays to the real destination.
func PassThrough(opts PassThroughOptions) Handler {
	return Handler{Kind: HandlerPassThrough, PassThrough: &opts}
}

// Clone returns a copy of h that shares no mutable state with it.
func (h Handler) Clone() Handler {
	if h.Static != nil {
		resp := *h.Static
		resp.Headers = h.Static.Headers.Clone()
		resp.Body = slices.Clone(h.Static.Body)
		h.Static = &resp
	}
	if h.PassThrough != nil {
		opts := *h.PassThrough
		opts.IgnoreHostHTTPSErrors = slices.Clone(opts.IgnoreHostHTTPSErrors)
		opts.TrustAdditionalCAs = slices.Clone(opts.TrustAdditionalCAs)
		for i, pemData := range opts.TrustAdditionalCAs {
			opts.TrustAdditionalCAs[i] = slices.Clone(pemData)
		}
		h.PassThrough = &opts
	}
	return h
}

// Validate reports a handler whose variant fields disagree with its Kind.
func (h Handler) Validate() error {
	switch h.Kind {
	case HandlerStatic:
		if h.Static == nil {
			return errors.New("static handler without response")
		}
	case HandlerCallback:
		if h.Callback == nil {
			return errors.New("callback handler without function")
		}
	case HandlerPassThrough:
		if h.PassThrough == nil {
			return errors.New("passthrough handler without options")
		}
		return h.PassThrough.Validate()
	default:
		return fmt.Errorf("unknown handler kind %d", int(h.Kind))
	}
	return nil
}

func (h Handler) String() string {
	switch h.Kind {
	case HandlerStatic:
		return fmt.Sprintf("respond with status %d", h.Static.StatusOrDefault())
	case HandlerCallback:
		return "respond using callback"
	case HandlerPassThrough:
		if h.PassThrough.LocalAddress != "" {
			return "pass the request through to the target host from " + h.PassThrough.LocalAddress
		}
		return "pass the request through to the target host"
	default:
		return h.Kind.String()
	}
}
