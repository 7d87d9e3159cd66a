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

package exchange

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func newBufconnClient(t *testing.T, store Store) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(store, nil)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func TestRemoteStore(t *testing.T) {
	storeContract(t, newBufconnClient(t, NewMemoryStore(nil)))
}

func TestRemoteWatchSeesLocalWrites(t *testing.T) {
	backing := NewMemoryStore(nil)
	client := newBufconnClient(t, backing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := client.Watch(ctx, "/local/domain/1")
	require.NoError(t, err)
	expectEvent(t, events, "initial event")

	require.NoError(t, backing.Set(ctx, "/local/domain/1/device/alice_dev/0/state", "4"))
	ev := expectEvent(t, events, "remote change")
	require.Equal(t, "/local/domain/1/device/alice_dev/0/state", ev.Path)
}

func TestRemoteWatchRejectsBadPath(t *testing.T) {
	client := newBufconnClient(t, NewMemoryStore(nil))
	_, err := client.Watch(context.Background(), "no-slash")
	require.ErrorIs(t, err, ErrInvalidPath)
}
