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
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SilentAlice/pvchan/internal/logging"
	"github.com/SilentAlice/pvchan/internal/metrics"
	"github.com/SilentAlice/pvchan/internal/transport/ring"
)

var (
	// ErrTruncated is returned by Read when the value did not fit the
	// caller's buffer. The buffer holds the leading bytes of the value.
	ErrTruncated = errors.New("kv: value truncated")
	// ErrDesynchronized is returned when a response carries an unexpected
	// request id or type. Its payload has been drained.
	ErrDesynchronized = errors.New("kv: response out of sequence")
	// ErrNotFound is returned when the responder has no such key.
	ErrNotFound = errors.New("kv: no such key")
	// ErrInvalidKey is returned for empty keys or keys holding NUL.
	ErrInvalidKey = errors.New("kv: invalid key")
	// ErrTooLarge is returned when a message would exceed MaxPayload.
	ErrTooLarge = errors.New("kv: payload too large")
	// ErrBroken is returned once a transport failure left the stream in the
	// middle of a message.
	ErrBroken = errors.New("kv: stream unusable")
	// ErrNotConnected is returned once the client's page has been detached,
	// and by ClientBinding while no page is attached.
	ErrNotConnected = errors.New("kv: not connected")
)

// ServerError is an error reply from the responder.
type ServerError struct {
	Op    Op
	Key   string
	Errno string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("kv: %s %q: %s", e.Op, e.Key, e.Errno)
}

// Is maps well-known error names onto package sentinels.
func (e *ServerError) Is(target error) bool {
	switch e.Errno {
	case "ENOENT":
		return target == ErrNotFound
	case "EINVAL":
		return target == ErrInvalidKey
	case "E2BIG":
		return target == ErrTooLarge
	}
	return false
}

// Option configures a Client or Responder.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	home    string
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records round trips and errors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHome sets the directory relative keys resolve against on the
// Responder.
func WithHome(dir string) Option {
	return func(o *options) { o.home = dir }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.OrNop(o.logger)
	return o
}

// Client issues keyed requests over the front end of a byte-stream ring.
// Requests are serialized; ids increase by one per request whatever its
// outcome.
type Client struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	// life is held shared for a whole round trip and exclusively by
	// detach, so the page is never released under a request.
	life   sync.RWMutex
	stream *ring.StreamFront

	mu     sync.Mutex
	nextID uint32
	broken error
	// owed holds ids whose replies were displaced by a stray reply and are
	// still to arrive.
	owed map[uint32]struct{}
}

// NewClient returns a client writing requests to stream.Out and reading
// responses from stream.In.
func NewClient(stream *ring.StreamFront, opts ...Option) *Client {
	o := buildOptions(opts)
	return &Client{
		stream:  stream,
		logger:  o.logger.Named("kv.client"),
		metrics: o.metrics,
		owed:    make(map[uint32]struct{}),
	}
}

// detach waits for the request in flight, if any, and drops the stream.
// Later requests fail with ErrNotConnected.
func (c *Client) detach() {
	c.life.Lock()
	c.stream = nil
	c.life.Unlock()
}

// NextID returns the id the next request will carry.
func (c *Client) NextID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextID
}

// Write stores value under key.
func (c *Client) Write(ctx context.Context, key, value string) error {
	if err := validKey(key); err != nil {
		return err
	}
	return c.roundTrip(ctx, OpWrite, key, nulTerminated(key, value), func(h Header) error {
		_, err := c.discard(ctx, h.Len)
		return err
	})
}

// Read copies the value of key into buf and returns its length. When buf is
// too short it is filled, the rest of the value is drained and ErrTruncated
// is returned with n == len(buf).
func (c *Client) Read(ctx context.Context, key string, buf []byte) (int, error) {
	if err := validKey(key); err != nil {
		return 0, err
	}
	var n int
	err := c.roundTrip(ctx, OpRead, key, nulTerminated(key), func(h Header) error {
		want := int(h.Len)
		if want <= len(buf) {
			m, err := c.readFull(ctx, buf[:want])
			n = m
			return err
		}
		m, err := c.readFull(ctx, buf)
		n = m
		if err != nil {
			return err
		}
		if _, err := c.discard(ctx, uint32(want-len(buf))); err != nil {
			return err
		}
		return fmt.Errorf("%w: %d of %d bytes", ErrTruncated, len(buf), want)
	})
	return n, err
}

// Get returns the whole value of key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	var value string
	err := c.roundTrip(ctx, OpRead, key, nulTerminated(key), func(h Header) error {
		buf := make([]byte, h.Len)
		if _, err := c.readFull(ctx, buf); err != nil {
			return err
		}
		value = string(buf)
		return nil
	})
	return value, err
}

// Remove deletes key and everything below it.
func (c *Client) Remove(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	return c.roundTrip(ctx, OpRemove, key, nulTerminated(key), func(h Header) error {
		_, err := c.discard(ctx, h.Len)
		return err
	})
}

// Directory lists the children of key.
func (c *Client) Directory(ctx context.Context, key string) ([]string, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	var children []string
	err := c.roundTrip(ctx, OpDirectory, key, nulTerminated(key), func(h Header) error {
		buf := make([]byte, h.Len)
		if _, err := c.readFull(ctx, buf); err != nil {
			return err
		}
		children = splitFields(buf)
		return nil
	})
	return children, err
}

// roundTrip sends one request and hands a matching reply header to recv,
// which must consume exactly h.Len payload bytes. Late replies to earlier
// requests are drained on the way. A reply nobody asked for is drained and
// reported as ErrDesynchronized; the reply it displaced is then owed and
// dropped when it arrives.
func (c *Client) roundTrip(ctx context.Context, op Op, key string, payload []byte, recv func(Header) error) (err error) {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}

	c.life.RLock()
	defer c.life.RUnlock()
	if c.stream == nil {
		return ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return fmt.Errorf("%w: %w", ErrBroken, c.broken)
	}

	start := time.Now()
	id := c.nextID
	c.nextID++
	defer func() { c.metrics.ObserveKV(op.String(), start, errKind(err)) }()

	if n, err := c.stream.Out.Write(ctx, encodeMessage(Header{Type: op, ReqID: id}, payload)); err != nil {
		if n == 0 {
			return err
		}
		return c.fail(err)
	}

	for {
		var raw [HeaderSize]byte
		if _, err := c.readFull(ctx, raw[:]); err != nil {
			return err
		}
		h, _ := decodeHeader(raw[:])

		if h.ReqID == id && (h.Type == op || h.Type == OpError) {
			// Replies arrive in order, so anything still owed never will.
			clear(c.owed)
			return c.finish(ctx, op, key, h, recv)
		}
		if _, ok := c.owed[h.ReqID]; ok && h.ReqID != id {
			delete(c.owed, h.ReqID)
			c.logger.Debug("dropping late response", zap.Uint32("id", h.ReqID), zap.Uint32("len", h.Len))
			if _, err := c.discard(ctx, h.Len); err != nil {
				return err
			}
			continue
		}

		c.logger.Warn("discarding out-of-sequence response",
			zap.Uint32("want_id", id),
			zap.Uint32("got_id", h.ReqID),
			zap.Stringer("want_type", op),
			zap.Stringer("got_type", h.Type),
			zap.Uint32("len", h.Len))
		if _, err := c.discard(ctx, h.Len); err != nil {
			return err
		}
		if h.ReqID != id {
			c.owed[id] = struct{}{}
		}
		return fmt.Errorf("%w: got id %d type %s, want id %d type %s", ErrDesynchronized, h.ReqID, h.Type, id, op)
	}
}

// finish consumes the payload of the reply to the current request.
func (c *Client) finish(ctx context.Context, op Op, key string, h Header, recv func(Header) error) error {
	if h.Type == OpError {
		if h.Len > MaxPayload {
			if _, err := c.discard(ctx, h.Len); err != nil {
				return err
			}
			return &ServerError{Op: op, Key: key, Errno: "EIO"}
		}
		buf := make([]byte, h.Len)
		if _, err := c.readFull(ctx, buf); err != nil {
			return err
		}
		errno := "EIO"
		if f := splitFields(buf); len(f) > 0 && f[0] != "" {
			errno = f[0]
		}
		return &ServerError{Op: op, Key: key, Errno: errno}
	}

	if h.Len > MaxPayload {
		if _, err := c.discard(ctx, h.Len); err != nil {
			return err
		}
		return fmt.Errorf("%w: reply of %d bytes", ErrTooLarge, h.Len)
	}
	return recv(h)
}

func (c *Client) readFull(ctx context.Context, p []byte) (int, error) {
	n, err := c.stream.In.ReadFull(ctx, p)
	if err != nil {
		return n, c.fail(err)
	}
	return n, nil
}

func (c *Client) discard(ctx context.Context, n uint32) (int, error) {
	m, err := c.stream.In.Discard(ctx, int(n))
	if err != nil {
		return m, c.fail(err)
	}
	return m, nil
}

// fail records a transport error that interrupted a message.
func (c *Client) fail(err error) error {
	c.broken = err
	c.logger.Warn("keyed stream interrupted", zap.Error(err))
	return err
}

func errKind(err error) string {
	var serr *ServerError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDesynchronized):
		return "desync"
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.As(err, &serr):
		return "server"
	default:
		return "transport"
	}
}
