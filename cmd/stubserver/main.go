package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

func main() {
	srv, err := NewHTTPServer()
	if err != nil {
		log.Fatal("failed to initialize server", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", zap.Error(err))
		}
	}()

	log.Info("stub server listening", zap.Stringer("addr", srv.Addr()))
	if err := srv.Serve(); err != nil {
		log.Fatal("failed to serve", zap.Error(err))
	}
	log.Info("stub server stopped")
}
