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

// Command pvchan runs a host domain and a guest domain in one process and
// drives a full channel lifecycle between them: discovery through the
// exchange, grant and map of the shared page, typed calls over the record
// ring, keyed requests over a stream ring, then an orderly close.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SilentAlice/pvchan/internal/channel"
	"github.com/SilentAlice/pvchan/internal/config"
	"github.com/SilentAlice/pvchan/internal/connection"
	"github.com/SilentAlice/pvchan/internal/exchange"
	"github.com/SilentAlice/pvchan/internal/grant"
	"github.com/SilentAlice/pvchan/internal/hypervisor"
	"github.com/SilentAlice/pvchan/internal/kv"
	"github.com/SilentAlice/pvchan/internal/logging"
	"github.com/SilentAlice/pvchan/internal/metrics"
)

// storeDevice is the device type of the keyed request stream.
const storeDevice = "xenstore"

const calls = 64

type squareRequest struct {
	Seq   uint32
	Value int32
}

type squareResponse struct {
	Seq    uint32
	Square int64
}

func square(_ context.Context, req squareRequest) squareResponse {
	return squareResponse{Seq: req.Seq, Square: int64(req.Value) * int64(req.Value)}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pvchan: %v\n", err)
		os.Exit(2)
	}
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pvchan: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("pvchan failed", zap.Error(err))
		os.Exit(1)
	}
}

// domains holds everything one run wires together.
type domains struct {
	hv          *hypervisor.Hypervisor
	hostLedger  *grant.Ledger
	guestLedger *grant.Ledger
	endpoints   []*connection.Endpoint
	guests      []*connection.Endpoint
	front       *channel.Front[squareRequest, squareResponse]
	back        *channel.Back[squareRequest, squareResponse]
	kvClient    *kv.ClientBinding
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	met := metrics.New(reg)
	if cfg.Metrics.Address != "" {
		srv := serveMetrics(cfg.Metrics.Address, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var store exchange.Store
	if cfg.Exchange.Address != "" {
		client, err := exchange.Dial(cfg.Exchange.Address)
		if err != nil {
			return err
		}
		defer client.Close()
		store = client
		logger.Info("using remote exchange", zap.String("addr", cfg.Exchange.Address))
	} else {
		store = exchange.NewMemoryStore(logger)
	}

	d, err := wire(cfg, store, met, logger)
	if err != nil {
		return err
	}
	defer d.hv.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	for _, ep := range d.endpoints {
		g.Go(func() error { return ep.Run(gctx) })
	}

	err = exercise(gctx, cfg, d, logger)
	cancel()
	if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
		err = errors.Join(err, werr)
	}

	for _, l := range []*grant.Ledger{d.hostLedger, d.guestLedger} {
		grants, mappings := l.Outstanding()
		logger.Info("outstanding after close",
			zap.Uint16("domain", uint16(l.Domain())),
			zap.Int("grants", grants),
			zap.Int("mappings", mappings))
	}
	return err
}

func wire(cfg *config.Config, store exchange.Store, met *metrics.Metrics, logger *zap.Logger) (*domains, error) {
	host, guest := grant.DomainID(cfg.Domain.Host), grant.DomainID(cfg.Domain.Guest)
	d := &domains{hv: hypervisor.New(hypervisor.WithLogger(logger), hypervisor.WithMetrics(met))}
	ledgerOpts := []grant.Option{
		grant.WithLogger(logger),
		grant.WithMetrics(met),
		grant.WithRevokeRetry(cfg.Timeouts.RevokeRetry),
	}
	d.hostLedger = grant.NewLedger(host, d.hv.Domain(host), ledgerOpts...)
	d.guestLedger = grant.NewLedger(guest, d.hv.Domain(guest), ledgerOpts...)

	var err error
	d.front, err = channel.NewFront[squareRequest, squareResponse](cfg.Ring.Capacity,
		channel.WithLogger(logger), channel.WithMetrics(met))
	if err != nil {
		return nil, err
	}
	d.back, err = channel.NewBack[squareRequest, squareResponse](square,
		channel.WithLogger(logger), channel.WithMetrics(met))
	if err != nil {
		return nil, err
	}
	d.kvClient, err = kv.NewClientBinding(cfg.Ring.StreamCapacity, kv.WithLogger(logger), kv.WithMetrics(met))
	if err != nil {
		return nil, err
	}
	// The guest's keyed requests land in its home directory of the
	// exchange, as they would with a store daemon.
	home := exchange.Join("local", "domain", fmt.Sprint(guest))
	kvResponder := kv.NewResponderBinding(store, kv.WithHome(home), kv.WithLogger(logger), kv.WithMetrics(met))

	records := connection.Device{Type: cfg.Device.Type, ID: int(cfg.Device.ID), Host: host, Guest: guest}
	stream := connection.Device{Type: storeDevice, ID: int(cfg.Device.ID), Host: host, Guest: guest}

	add := func(role connection.Role, dev connection.Device, b connection.Binding) error {
		ledger, self := d.hostLedger, host
		if role == connection.Requesting {
			ledger, self = d.guestLedger, guest
		}
		ep, err := connection.NewEndpoint(role, dev, ledger, d.hv.Domain(self), store,
			connection.WithLogger(logger),
			connection.WithMetrics(met),
			connection.WithBinding(b),
			connection.WithRevokeTimeout(cfg.Timeouts.Revoke))
		if err != nil {
			return err
		}
		d.endpoints = append(d.endpoints, ep)
		if role == connection.Requesting {
			d.guests = append(d.guests, ep)
		}
		return nil
	}
	for _, e := range []struct {
		role connection.Role
		dev  connection.Device
		b    connection.Binding
	}{
		{connection.Offering, records, d.back},
		{connection.Requesting, records, d.front},
		{connection.Offering, stream, kvResponder},
		{connection.Requesting, stream, d.kvClient},
	} {
		if err := add(e.role, e.dev, e.b); err != nil {
			d.hv.Close()
			return nil, err
		}
	}
	return d, nil
}

func exercise(ctx context.Context, cfg *config.Config, d *domains, logger *zap.Logger) error {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Connect)
	defer cancel()
	for _, ep := range d.endpoints {
		if err := ep.WaitForState(connectCtx, connection.Connected); err != nil {
			return fmt.Errorf("waiting for %s at %s: %w", ep.Role(), ep.LocalDir(), err)
		}
	}
	logger.Info("all endpoints connected")

	for i := range calls {
		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.RequestBudget)
		rsp, err := d.front.Call(callCtx, squareRequest{Seq: uint32(i), Value: int32(i)})
		cancel()
		if err != nil {
			return fmt.Errorf("call %d: %w", i, err)
		}
		if rsp.Seq != uint32(i) || rsp.Square != int64(i)*int64(i) {
			return fmt.Errorf("call %d: wrong response %+v", i, rsp)
		}
	}
	st, err := d.front.State()
	if err != nil {
		return err
	}
	logger.Info("record ring exercised", zap.Int("calls", calls), zap.Uint64("served", d.back.Served()), zap.Stringer("ring", st))

	if err := exerciseStore(ctx, cfg, d, logger); err != nil {
		return err
	}

	for _, ep := range d.guests {
		if err := ep.Shutdown(ctx); err != nil {
			return err
		}
	}
	closeCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Connect)
	defer cancel()
	for _, ep := range d.endpoints {
		if err := ep.WaitForState(closeCtx, connection.Closed); err != nil {
			return fmt.Errorf("waiting for %s at %s to close: %w", ep.Role(), ep.LocalDir(), err)
		}
	}
	logger.Info("all endpoints closed")
	return nil
}

func exerciseStore(ctx context.Context, cfg *config.Config, d *domains, logger *zap.Logger) error {
	reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.RequestBudget)
	defer cancel()
	c, err := d.kvClient.Client()
	if err != nil {
		return err
	}
	if err := c.Write(reqCtx, "data/greeting", "hello from the guest"); err != nil {
		return err
	}
	if err := c.Write(reqCtx, "data/pid", fmt.Sprint(os.Getpid())); err != nil {
		return err
	}
	greeting, err := c.Get(reqCtx, "data/greeting")
	if err != nil {
		return err
	}
	names, err := c.Directory(reqCtx, "data")
	if err != nil {
		return err
	}
	if err := c.Remove(reqCtx, "data"); err != nil {
		return err
	}
	if _, err := c.Get(reqCtx, "data/greeting"); !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("read after remove: %v", err)
	}
	logger.Info("keyed requests exercised", zap.String("greeting", greeting), zap.Strings("entries", names))
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}
