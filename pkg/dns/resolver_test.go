package dns

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/cuemby/flotilla/pkg/types"
	"github.com/miekg/dns"
)

// mockRecords is a simple in-memory registry for testing
type mockRecords struct {
	services  map[string]*types.ServiceRecord
	endpoints map[string][]*types.Endpoint
}

func newMockRecords() *mockRecords {
	return &mockRecords{
		services:  make(map[string]*types.ServiceRecord),
		endpoints: make(map[string][]*types.Endpoint),
	}
}

func (m *mockRecords) add(service string, ep *types.Endpoint) {
	if _, ok := m.services[service]; !ok {
		m.services[service] = &types.ServiceRecord{ID: "srv-" + service, Name: service, CreatedAt: time.Now()}
	}
	id := m.services[service].ID
	m.endpoints[id] = append(m.endpoints[id], ep)
}

func (m *mockRecords) GetServiceByName(name string) (*types.ServiceRecord, error) {
	if svc, ok := m.services[name]; ok {
		return svc, nil
	}
	return nil, fmt.Errorf("service %s: %w", name, types.ErrNotFound)
}

func (m *mockRecords) ListEndpoints(serviceID string) ([]*types.Endpoint, error) {
	out := make([]*types.Endpoint, len(m.endpoints[serviceID]))
	copy(out, m.endpoints[serviceID])
	return out, nil
}

// TestResolverStripDomain tests domain suffix removal
func TestResolverStripDomain(t *testing.T) {
	r := NewResolver(nil, ".local")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "with domain suffix",
			input: "jetdb.local",
			want:  "jetdb",
		},
		{
			name:  "without domain suffix",
			input: "jetdb",
			want:  "jetdb",
		},
		{
			name:  "empty string",
			input: "",
			want:  "",
		},
		{
			name:  "srv name",
			input: "_jetdb._tcp.local",
			want:  "_jetdb._tcp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.stripDomain(tt.input)
			if got != tt.want {
				t.Errorf("stripDomain(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestResolverInDomain(t *testing.T) {
	r := NewResolver(nil, "local")

	tests := []struct {
		input string
		want  bool
	}{
		{"jetdb.local.", true},
		{"_jetdb._tcp.local", true},
		{"local.", true},
		{"example.com.", false},
		{"notlocal.", false},
	}

	for _, tt := range tests {
		if got := r.InDomain(tt.input); got != tt.want {
			t.Errorf("InDomain(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}

	if NewResolver(nil, "").InDomain("jetdb.") {
		t.Error("resolver without a domain claims names")
	}
}

// TestResolverMakeFQDN tests FQDN generation
func TestResolverMakeFQDN(t *testing.T) {
	r := NewResolver(nil, "local")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "without trailing dot",
			input: "jetdb",
			want:  "jetdb.",
		},
		{
			name:  "already fqdn",
			input: "jetdb.local.",
			want:  "jetdb.local.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.makeFQDN(tt.input)
			if got != tt.want {
				t.Errorf("makeFQDN(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func newTestResolver() *Resolver {
	records := newMockRecords()
	// Registered out of order; numbering follows task id
	records.add("jetdb", &types.Endpoint{InstanceID: "task-c", Address: "10.0.0.3", Port: 3306})
	records.add("jetdb", &types.Endpoint{InstanceID: "task-a", Address: "10.0.0.1", Port: 3306})
	records.add("jetdb", &types.Endpoint{InstanceID: "task-b", Address: "10.0.0.2", Port: 3307})
	records.add("empty", &types.Endpoint{InstanceID: "task-z", Address: "not-an-ip"})
	return NewResolver(records, "local")
}

// TestResolverServiceResolution tests service name resolution
func TestResolverServiceResolution(t *testing.T) {
	r := newTestResolver()

	records, err := r.Resolve("jetdb.local.", dns.TypeA)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}

	seen := make(map[string]bool)
	for _, rr := range records {
		a, ok := rr.(*dns.A)
		if !ok {
			t.Fatalf("record is %T, want *dns.A", rr)
		}
		if a.Hdr.Name != "jetdb.local." {
			t.Errorf("record name = %q, want jetdb.local.", a.Hdr.Name)
		}
		if a.Hdr.Ttl != DefaultTTL {
			t.Errorf("ttl = %d, want %d", a.Hdr.Ttl, DefaultTTL)
		}
		seen[a.A.String()] = true
	}
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if !seen[ip] {
			t.Errorf("missing %s in answers", ip)
		}
	}

	if _, err := r.Resolve("empty.local.", dns.TypeA); err == nil {
		t.Error("service without IPv4 endpoints resolved")
	}
	if _, err := r.Resolve("missing.local.", dns.TypeA); err == nil {
		t.Error("unknown service resolved")
	}
	if _, err := r.Resolve("jetdb.local.", dns.TypeMX); err == nil {
		t.Error("unsupported type resolved")
	}
}

// TestResolverInstanceResolution tests endpoint-specific resolution
func TestResolverInstanceResolution(t *testing.T) {
	r := newTestResolver()

	tests := []struct {
		query   string
		want    string
		wantErr bool
	}{
		{query: "jetdb-1.local.", want: "10.0.0.1"},
		{query: "jetdb-2.local.", want: "10.0.0.2"},
		{query: "jetdb-3", want: "10.0.0.3"},
		{query: "jetdb-4.local.", wantErr: true},
		{query: "other-1.local.", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			records, err := r.Resolve(tt.query, dns.TypeA)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve(%q) error = %v, wantErr %v", tt.query, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			a := records[0].(*dns.A)
			if !a.A.Equal(net.ParseIP(tt.want)) {
				t.Errorf("Resolve(%q) = %s, want %s", tt.query, a.A, tt.want)
			}
		})
	}
}

func TestResolverSRV(t *testing.T) {
	r := newTestResolver()

	records, err := r.Resolve("_jetdb._tcp.local.", dns.TypeSRV)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}

	srv := records[1].(*dns.SRV)
	if srv.Target != "jetdb-2.local." {
		t.Errorf("target = %q, want jetdb-2.local.", srv.Target)
	}
	if srv.Port != 3307 {
		t.Errorf("port = %d, want 3307", srv.Port)
	}

	for _, bad := range []string{"jetdb._tcp.local.", "_jetdb._udp.local.", "_missing._tcp.local."} {
		if _, err := r.Resolve(bad, dns.TypeSRV); err == nil {
			t.Errorf("Resolve(%q) succeeded", bad)
		}
	}
}

// TestShuffleIPs tests IP shuffling for round-robin
func TestShuffleIPs(t *testing.T) {
	r := NewResolver(nil, "local")

	ips := []net.IP{
		net.ParseIP("10.0.0.1"),
		net.ParseIP("10.0.0.2"),
		net.ParseIP("10.0.0.3"),
		net.ParseIP("10.0.0.4"),
	}

	r.shuffleIPs(ips)
	if len(ips) != 4 {
		t.Errorf("shuffleIPs changed length: got %d, want 4", len(ips))
	}
}
