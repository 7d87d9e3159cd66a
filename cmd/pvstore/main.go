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

// Command pvstore serves an in-memory exchange over gRPC so host and guest
// processes can discover each other. Point pvchan at it with
// PVCHAN_EXCHANGE_ADDR.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SilentAlice/pvchan/internal/config"
	"github.com/SilentAlice/pvchan/internal/exchange"
	"github.com/SilentAlice/pvchan/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pvstore: %v\n", err)
		os.Exit(2)
	}
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pvstore: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	lis, err := net.Listen("tcp", cfg.Exchange.Listen)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.Exchange.Listen), zap.Error(err))
	}

	srv := exchange.NewServer(exchange.NewMemoryStore(logger), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down exchange service")
		srv.GracefulStop()
	}()

	if err := srv.Serve(lis); err != nil {
		logger.Fatal("exchange service failed", zap.Error(err))
	}
}
