// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the catalog.CallFunc type for
// functions with other signatures.
//
// The parameter of an adapted function is decoded from the first argument of
// the call as JSON. A call with no arguments leaves the parameter at its zero
// value. A parameter of type []json.RawMessage receives all the arguments
// undecoded.
//
// Results are encoded as JSON in the response to the call.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/creachadair/switchboard/catalog"
)

// argsContextKey is a context key for the arguments to a handler.
type argsContextKey struct{}

// ContextArgs returns the original arguments passed to the handler, or nil if
// ctx has no associated arguments. The context passed to a function adapted
// by this package will have this value.
func ContextArgs(ctx context.Context) []json.RawMessage {
	if v := ctx.Value(argsContextKey{}); v != nil {
		return v.([]json.RawMessage)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a catalog.CallFunc.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) catalog.CallFunc {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		var p P
		if err := unmarshal(args, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a catalog.CallFunc.
func ParamResult[P, R any](f func(context.Context, P) R) catalog.CallFunc {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		var p P
		if err := unmarshal(args, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		return f(hctx, p), nil
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a catalog.CallFunc. The result of a successful
// call is null.
func ParamError[P any](f func(context.Context, P) error) catalog.CallFunc {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		var p P
		if err := unmarshal(args, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a catalog.CallFunc.
func ResultError[R any](f func(context.Context) (R, error)) catalog.CallFunc {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a catalog.CallFunc.
func ResultOnly[R any](f func(context.Context) R) catalog.CallFunc {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		return f(hctx), nil
	}
}

// unmarshal decodes args into v. If v is a *[]json.RawMessage it receives all
// of args; otherwise the first argument is decoded as JSON.
func unmarshal(args []json.RawMessage, v any) error {
	if t, ok := v.(*[]json.RawMessage); ok {
		*t = args
		return nil
	}
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args[0], v); err != nil {
		return fmt.Errorf("decode argument: %w", err)
	}
	return nil
}
