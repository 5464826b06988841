package dns

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/flotilla/pkg/log"
	"github.com/miekg/dns"
)

const (
	// DefaultListenAddr is the address the server binds when none is configured
	DefaultListenAddr = "127.0.0.1:8053"

	// DefaultDomain is used when the cluster definition sets no namespace
	DefaultDomain = "flotilla"

	// DefaultUpstream is the fallback DNS server for external queries
	DefaultUpstream = "8.8.8.8:53"
)

// Server answers service discovery queries from the local registry
type Server struct {
	resolver   *Resolver
	dnsServer  *dns.Server
	conn       net.PacketConn
	listenAddr string
	upstream   []string // External DNS servers for forwarding
	mu         sync.RWMutex
	running    bool
}

// Config holds DNS server configuration
type Config struct {
	ListenAddr string   // Address to listen on (default: 127.0.0.1:8053)
	Domain     string   // Authoritative domain (default: "flotilla")
	Upstream   []string // Upstream DNS servers (default: [8.8.8.8:53])
}

// NewServer creates a new DNS server
func NewServer(records Records, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.Domain == "" {
		config.Domain = DefaultDomain
	}
	if len(config.Upstream) == 0 {
		config.Upstream = []string{DefaultUpstream}
	}

	return &Server{
		resolver:   NewResolver(records, config.Domain),
		listenAddr: config.ListenAddr,
		upstream:   config.Upstream,
	}
}

// Start binds the listen address and serves queries in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("DNS server already running")
	}

	log.Logger.Info().
		Str("component", "dns").
		Str("address", s.listenAddr).
		Str("domain", s.resolver.Domain()).
		Msg("starting DNS server")

	conn, err := net.ListenPacket("udp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSQuery)

	started := make(chan struct{})
	errCh := make(chan error, 1)
	server := &dns.Server{
		PacketConn:        conn,
		Net:               "udp",
		Handler:           mux,
		NotifyStartedFunc: func() { close(started) },
	}

	go func() {
		if err := server.ActivateAndServe(); err != nil {
			log.Logger.Error().
				Err(err).
				Str("component", "dns").
				Msg("DNS server error")
			errCh <- err
		}
	}()

	// Wait for server to start or error
	select {
	case <-started:
	case err := <-errCh:
		conn.Close()
		return err
	}

	s.conn = conn
	s.dnsServer = server
	s.running = true

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	log.Logger.Info().
		Str("component", "dns").
		Str("address", conn.LocalAddr().String()).
		Msg("DNS server started successfully")
	return nil
}

// Addr returns the bound address, or "" when the server is not running
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.LocalAddr().String()
}

// Stop stops the DNS server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	log.Logger.Info().
		Str("component", "dns").
		Msg("stopping DNS server")

	if s.dnsServer != nil {
		if err := s.dnsServer.Shutdown(); err != nil {
			log.Logger.Error().
				Err(err).
				Str("component", "dns").
				Msg("error stopping DNS server")
			return err
		}
	}

	s.running = false
	s.conn = nil

	log.Logger.Info().
		Str("component", "dns").
		Msg("DNS server stopped")

	return nil
}

// handleDNSQuery answers names under the domain itself and forwards the rest
func (s *Server) handleDNSQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		log.Logger.Debug().
			Str("component", "dns").
			Str("query", q.Name).
			Uint16("type", q.Qtype).
			Msg("DNS query received")

		if !s.resolver.InDomain(q.Name) {
			s.forwardQuery(w, r)
			return
		}

		answers, err := s.resolver.Resolve(q.Name, q.Qtype)
		if err != nil {
			log.Logger.Debug().
				Err(err).
				Str("component", "dns").
				Str("query", q.Name).
				Msg("name not found")
			msg.Rcode = dns.RcodeNameError
			continue
		}
		msg.Answer = append(msg.Answer, answers...)

		// SRV targets are resolved in the same response
		for _, rr := range answers {
			if srv, ok := rr.(*dns.SRV); ok {
				if extra, err := s.resolver.Resolve(srv.Target, dns.TypeA); err == nil {
					msg.Extra = append(msg.Extra, extra...)
				}
			}
		}
	}

	if len(msg.Answer) > 0 {
		msg.Rcode = dns.RcodeSuccess
	}
	if err := w.WriteMsg(msg); err != nil {
		log.Logger.Error().
			Err(err).
			Str("component", "dns").
			Msg("failed to write DNS response")
	}
}

// forwardQuery forwards a DNS query to upstream DNS servers
func (s *Server) forwardQuery(w dns.ResponseWriter, r *dns.Msg) {
	client := &dns.Client{Net: "udp"}

	for _, upstream := range s.upstream {
		resp, _, err := client.Exchange(r, upstream)
		if err != nil {
			log.Logger.Debug().
				Err(err).
				Str("component", "dns").
				Str("upstream", upstream).
				Msg("failed to forward query to upstream")
			continue
		}

		if err := w.WriteMsg(resp); err != nil {
			log.Logger.Error().
				Err(err).
				Str("component", "dns").
				Msg("failed to write forwarded DNS response")
		}
		return
	}

	// All upstreams failed, return SERVFAIL
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Rcode = dns.RcodeServerFailure

	if err := w.WriteMsg(msg); err != nil {
		log.Logger.Error().
			Err(err).
			Str("component", "dns").
			Msg("failed to write DNS error response")
	}
}

// IsRunning returns true if the DNS server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
