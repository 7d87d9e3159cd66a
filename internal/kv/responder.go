/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package kv

import (
	"context"
	"errors"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/SilentAlice/pvchan/internal/exchange"
	"github.com/SilentAlice/pvchan/internal/transport/ring"
)

// Responder serves keyed requests from the back end of a byte-stream ring
// against an exchange.Store.
type Responder struct {
	stream *ring.StreamBack
	store  exchange.Store
	home   string
	logger *zap.Logger
}

// NewResponder returns a responder for stream. Relative keys resolve against
// the WithHome directory, "/" by default.
func NewResponder(stream *ring.StreamBack, store exchange.Store, opts ...Option) *Responder {
	o := buildOptions(opts)
	home := o.home
	if home == "" {
		home = "/"
	}
	return &Responder{
		stream: stream,
		store:  store,
		home:   home,
		logger: o.logger.Named("kv.responder"),
	}
}

// Serve answers requests until ctx is done or the ring is closed. A closed
// ring ends Serve with a nil error.
func (r *Responder) Serve(ctx context.Context) error {
	var raw [HeaderSize]byte
	for {
		if _, err := r.stream.In.ReadFull(ctx, raw[:]); err != nil {
			return r.exit(err)
		}
		h, _ := decodeHeader(raw[:])

		if h.Len > MaxPayload {
			if _, err := r.stream.In.Discard(ctx, int(h.Len)); err != nil {
				return r.exit(err)
			}
			if err := r.reply(ctx, h, OpError, nulTerminated("E2BIG")); err != nil {
				return r.exit(err)
			}
			continue
		}
		payload := make([]byte, h.Len)
		if _, err := r.stream.In.ReadFull(ctx, payload); err != nil {
			return r.exit(err)
		}

		op, body := r.handle(ctx, h.Type, payload)
		if err := r.reply(ctx, h, op, body); err != nil {
			return r.exit(err)
		}
	}
}

func (r *Responder) exit(err error) error {
	if errors.Is(err, ring.ErrClosed) {
		r.logger.Debug("ring closed, responder exiting")
		return nil
	}
	return err
}

func (r *Responder) reply(ctx context.Context, req Header, op Op, body []byte) error {
	_, err := r.stream.Out.Write(ctx, encodeMessage(Header{Type: op, ReqID: req.ReqID, TxID: req.TxID}, body))
	return err
}

// handle runs one request and returns the reply type and payload.
func (r *Responder) handle(ctx context.Context, op Op, payload []byte) (Op, []byte) {
	var (
		key  string
		body []byte
		err  error
	)
	switch op {
	case OpWrite:
		k, v, ok := parseWrite(payload)
		if !ok {
			return OpError, nulTerminated("EINVAL")
		}
		key = r.resolve(k)
		if err = r.store.Set(ctx, key, v); err == nil {
			body = nulTerminated("OK")
		}
	case OpRead, OpRemove, OpDirectory:
		f := splitFields(payload)
		if len(f) == 0 || f[0] == "" {
			return OpError, nulTerminated("EINVAL")
		}
		key = r.resolve(f[0])
		switch op {
		case OpRead:
			var v string
			if v, err = r.store.Get(ctx, key); err == nil {
				body = []byte(v)
			}
		case OpRemove:
			if err = r.store.Remove(ctx, key); err == nil {
				body = nulTerminated("OK")
			}
		case OpDirectory:
			var children []string
			if children, err = r.store.Directory(ctx, key); err == nil {
				body = nulTerminated(children...)
			}
		}
	default:
		r.logger.Warn("unsupported request", zap.Stringer("op", op))
		return OpError, nulTerminated("ENOSYS")
	}

	if err != nil {
		errno := errnoFor(err)
		r.logger.Debug("request failed",
			zap.Stringer("op", op),
			zap.String("key", key),
			zap.String("errno", errno),
			zap.Error(err))
		return OpError, nulTerminated(errno)
	}
	if len(body) > MaxPayload {
		return OpError, nulTerminated("E2BIG")
	}
	r.logger.Debug("request served", zap.Stringer("op", op), zap.String("key", key))
	return op, body
}

// resolve turns a relative key into a path below the home directory.
func (r *Responder) resolve(key string) string {
	if strings.HasPrefix(key, "/") {
		return key
	}
	return path.Join(r.home, key)
}

func errnoFor(err error) string {
	switch {
	case errors.Is(err, exchange.ErrNotFound):
		return "ENOENT"
	case errors.Is(err, exchange.ErrInvalidPath):
		return "EINVAL"
	default:
		return "EIO"
	}
}
