package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Addr    string
	TLSCert string
	TLSKey  string
}

// Run starts the background loops and serves the HTTP surface until ctx is
// canceled, then drains: stop accepting, close every client with a going-away
// frame, shut the listener down.
func (g *Gateway) Run(ctx context.Context, srv ServerConfig) error {
	if err := g.Start(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              srv.Addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSCert != "" && srv.TLSKey != "" {
			err = httpServer.ListenAndServeTLS(srv.TLSCert, srv.TLSKey)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	g.logger.Info("gateway listening", "addr", srv.Addr, "tls", srv.TLSCert != "")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	g.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
