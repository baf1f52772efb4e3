// Package netstack serves kernel diagnostics over HTTP/3.
package netstack

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	http3 "github.com/quic-go/quic-go/http3"
)

// HTTP3Server wraps the http3.Server lifecycle.
type HTTP3Server struct {
	srv  *http3.Server
	addr string

	mu   sync.Mutex
	pc   net.PacketConn
	done chan struct{}
}

// NewHTTP3Server creates a server bound to addr with given TLS config and handler.
func NewHTTP3Server(addr string, tlsCfg *tls.Config, h http.Handler) *HTTP3Server {
	s := &http3.Server{Addr: addr, TLSConfig: http3.ConfigureTLSConfig(tlsCfg), Handler: h}
	return &HTTP3Server{srv: s, addr: addr}
}

// Start begins serving on a UDP socket bound to the configured address and
// returns the bound address, which differs from it when the port is 0.
func (s *HTTP3Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc != nil {
		return "", fmt.Errorf("http3 server on %s already started", s.addr)
	}

	pc, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return "", err
	}
	s.pc = pc
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		_ = s.srv.Serve(pc)
		close(done)
	}(s.done)
	return pc.LocalAddr().String(), nil
}

// Stop closes the server and waits for Serve to return or ctx to end.
func (s *HTTP3Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	pc, done := s.pc, s.done
	s.pc = nil
	s.mu.Unlock()
	if pc == nil {
		return nil
	}

	err := s.srv.Close()
	_ = pc.Close()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// HTTP3Client returns an http.Client using HTTP/3 round tripper with given TLS config.
func HTTP3Client(tlsCfg *tls.Config, timeout time.Duration) *http.Client {
	tr := &http3.Transport{TLSClientConfig: tlsCfg}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// ShutdownHTTP3 gracefully closes the RoundTripper if applicable.
func ShutdownHTTP3(c *http.Client) {
	if tr, ok := c.Transport.(*http3.Transport); ok {
		_ = tr.Close()
	}
}

// FetchJSON GETs url with c and decodes the JSON body into v.
func FetchJSON(ctx context.Context, c *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
