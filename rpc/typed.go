package rpc

import (
	"context"

	"github.com/segmentio/encoding/json"
)

// Request registers a request handler whose params decode into P.
// Params that fail to decode are answered with InvalidParams.
func Request[P, R any](d *Dispatcher, method string, fn func(ctx context.Context, params *P) (R, error), opts ...RouteOption) {
	d.Register(method, KindRequest, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params P
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}

		return fn(ctx, &params)
	}, opts...)
}

// Notification registers a notification handler whose params decode into P.
func Notification[P any](d *Dispatcher, method string, fn func(ctx context.Context, params *P) error, opts ...RouteOption) {
	d.Register(method, KindNotification, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params P
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}

		return nil, fn(ctx, &params)
	}, opts...)
}

// TextDocumentKey orders messages by the "textDocument.uri" field of their params.
func TextDocumentKey(raw json.RawMessage) string {
	var params struct {
		TextDocument struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
	}

	if err := decodeParams(raw, &params); err != nil {
		return ""
	}

	return params.TextDocument.URI
}
