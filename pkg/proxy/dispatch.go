package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/getmockd/mockproxy/pkg/forward"
	"github.com/getmockd/mockproxy/pkg/proxyerr"
	"github.com/getmockd/mockproxy/pkg/rule"
)

// Outcome is the result of running a handler. Exactly one field is set.
type Outcome struct {
	// Response is a synthetic response from a static or callback handler.
	Response *rule.Response
	// Upstream is a relayed response; the caller must Close it.
	Upstream *forward.Result
}

// Dispatcher runs the handler chosen for a request.
type Dispatcher struct {
	forwarder *forward.Forwarder
	log       *slog.Logger
}

// NewDispatcher creates a Dispatcher relaying passthrough requests with f.
func NewDispatcher(f *forward.Forwarder, log *slog.Logger) *Dispatcher {
	return &Dispatcher{forwarder: f, log: log}
}

// Dispatch runs h for req. Callback failures, including panics, come back as
// handler errors; passthrough failures keep the forwarder's classification.
func (d *Dispatcher) Dispatch(ctx context.Context, req *rule.Request, h rule.Handler) (Outcome, error) {
	switch h.Kind {
	case rule.HandlerStatic:
		return Outcome{Response: h.Static}, nil

	case rule.HandlerCallback:
		resp, err := d.callback(ctx, req, h.Callback)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Response: resp}, nil

	case rule.HandlerPassThrough:
		res, err := d.forwarder.Forward(ctx, req, h.PassThrough)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Upstream: res}, nil

	default:
		return Outcome{}, proxyerr.Newf(proxyerr.KindHandler, "dispatch", "unknown handler kind %s", h.Kind)
	}
}

func (d *Dispatcher) callback(ctx context.Context, req *rule.Request, fn rule.CallbackFunc) (resp *rule.Response, err error) {
	// Callbacks see the body; a body over the buffer limit stays streamable.
	if berr := req.Body.Buffer(); berr != nil && !errors.Is(berr, rule.ErrBodyTooLarge) {
		return nil, proxyerr.New(proxyerr.KindProtocol, "read body", berr)
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("callback panicked", "requestId", req.ID, "panic", r)
			resp, err = nil, proxyerr.New(proxyerr.KindHandler, "callback", fmt.Errorf("panic: %v", r))
		}
	}()

	resp, err = fn(ctx, req)
	switch {
	case err != nil:
		return nil, proxyerr.New(proxyerr.KindHandler, "callback", err)
	case resp == nil:
		return nil, proxyerr.New(proxyerr.KindHandler, "callback", errors.New("callback returned no response"))
	}
	return resp, nil
}
