package dns

import (
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/types"
	"github.com/miekg/dns"
)

// DefaultTTL is the TTL of every answer; endpoints change as tasks move
const DefaultTTL = 10

// Records is the part of the local store the resolver reads
type Records interface {
	GetServiceByName(name string) (*types.ServiceRecord, error)
	ListEndpoints(serviceID string) ([]*types.Endpoint, error)
}

// Resolver answers queries for registered services and their endpoints
type Resolver struct {
	records Records
	domain  string // e.g. "local"
	rnd     *rand.Rand
}

// NewResolver creates a resolver for names under domain. A leading dot on
// domain is ignored, so a namespace locale such as ".local" can be passed
// as is.
func NewResolver(records Records, domain string) *Resolver {
	return &Resolver{
		records: records,
		domain:  strings.Trim(domain, "."),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Domain returns the domain the resolver is authoritative for
func (r *Resolver) Domain() string {
	return r.domain
}

// Resolve resolves a query name to resource records of type qtype.
// Supported are A queries for services (web.local) and single endpoints
// (web-2.local), and SRV queries for _web._tcp.local.
func (r *Resolver) Resolve(queryName string, qtype uint16) ([]dns.RR, error) {
	name := strings.TrimSuffix(queryName, ".")

	log.Logger.Debug().
		Str("component", "dns.resolver").
		Str("query", name).
		Uint16("type", qtype).
		Msg("resolving DNS query")

	switch qtype {
	case dns.TypeA:
		if records, err := r.resolveService(name); err == nil {
			return records, nil
		}
		if record, err := r.resolveInstance(name); err == nil {
			return []dns.RR{record}, nil
		}
	case dns.TypeSRV:
		if records, err := r.resolveSRV(name); err == nil {
			return records, nil
		}
	default:
		return nil, fmt.Errorf("unsupported query type %d for %s", qtype, name)
	}

	return nil, fmt.Errorf("query not resolvable: %s", name)
}

// InDomain reports whether a query name falls under the resolver's domain
func (r *Resolver) InDomain(queryName string) bool {
	if r.domain == "" {
		return false
	}
	name := strings.TrimSuffix(queryName, ".")
	return name == r.domain || strings.HasSuffix(name, "."+r.domain)
}

// endpoints returns a service's endpoints ordered by task id
func (r *Resolver) endpoints(serviceName string) ([]*types.Endpoint, error) {
	service, err := r.records.GetServiceByName(serviceName)
	if err != nil {
		return nil, fmt.Errorf("service not found: %s", serviceName)
	}
	eps, err := r.records.ListEndpoints(service.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].InstanceID < eps[j].InstanceID })
	return eps, nil
}

// resolveService resolves a service name to one A record per endpoint, in
// random order
func (r *Resolver) resolveService(name string) ([]dns.RR, error) {
	serviceName := r.stripDomain(name)

	eps, err := r.endpoints(serviceName)
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, ep := range eps {
		if ip := endpointIP(ep); ip != nil {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no endpoints for service: %s", serviceName)
	}

	log.Logger.Debug().
		Str("component", "dns.resolver").
		Str("service", serviceName).
		Int("endpoints", len(ips)).
		Msg("resolved service to endpoints")

	r.shuffleIPs(ips)

	fqdn := r.makeFQDN(name)
	records := make([]dns.RR, 0, len(ips))
	for _, ip := range ips {
		records = append(records, aRecord(fqdn, ip))
	}
	return records, nil
}

// resolveInstance resolves <service>-<n> to the nth endpoint of the service
func (r *Resolver) resolveInstance(name string) (*dns.A, error) {
	short := r.stripDomain(name)

	serviceName, instanceNum, err := parseInstanceName(short)
	if err != nil {
		return nil, err
	}

	eps, err := r.endpoints(serviceName)
	if err != nil {
		return nil, err
	}
	if instanceNum > len(eps) {
		return nil, fmt.Errorf("instance %d not found (service has %d endpoints)", instanceNum, len(eps))
	}

	ip := endpointIP(eps[instanceNum-1])
	if ip == nil {
		return nil, fmt.Errorf("no IPv4 address for %s", makeInstanceName(serviceName, instanceNum))
	}

	log.Logger.Debug().
		Str("component", "dns.resolver").
		Str("service", serviceName).
		Int("instance", instanceNum).
		Str("ip", ip.String()).
		Msg("resolved instance to IP")

	return aRecord(r.makeFQDN(name), ip), nil
}

// resolveSRV resolves _<service>._tcp to one SRV record per endpoint,
// targeting the endpoint's <service>-<n> name
func (r *Resolver) resolveSRV(name string) ([]dns.RR, error) {
	labels := strings.SplitN(r.stripDomain(name), ".", 2)
	if len(labels) != 2 || labels[1] != "_tcp" || !strings.HasPrefix(labels[0], "_") {
		return nil, fmt.Errorf("not a service SRV name: %s", name)
	}
	serviceName := strings.TrimPrefix(labels[0], "_")

	eps, err := r.endpoints(serviceName)
	if err != nil {
		return nil, err
	}

	fqdn := r.makeFQDN(name)
	var records []dns.RR
	for i, ep := range eps {
		if ep.Port == 0 {
			continue
		}
		records = append(records, &dns.SRV{
			Hdr: dns.RR_Header{
				Name:   fqdn,
				Rrtype: dns.TypeSRV,
				Class:  dns.ClassINET,
				Ttl:    DefaultTTL,
			},
			Priority: 0,
			Weight:   10,
			Port:     uint16(ep.Port),
			Target:   r.qualify(makeInstanceName(serviceName, i+1)),
		})
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no endpoints with ports for service: %s", serviceName)
	}
	return records, nil
}

// stripDomain removes the domain suffix from a name
// web.local -> web
// web -> web
func (r *Resolver) stripDomain(name string) string {
	if r.domain == "" {
		return name
	}
	return strings.TrimSuffix(name, "."+r.domain)
}

// qualify returns the fully qualified name of a name inside the domain
func (r *Resolver) qualify(name string) string {
	if r.domain == "" {
		return r.makeFQDN(name)
	}
	return r.makeFQDN(name + "." + r.domain)
}

// makeFQDN ensures a name ends with a dot (fully qualified)
func (r *Resolver) makeFQDN(name string) string {
	if !strings.HasSuffix(name, ".") {
		return name + "."
	}
	return name
}

// shuffleIPs randomly shuffles a slice of IPs (for round-robin)
func (r *Resolver) shuffleIPs(ips []net.IP) {
	r.rnd.Shuffle(len(ips), func(i, j int) {
		ips[i], ips[j] = ips[j], ips[i]
	})
}

func endpointIP(ep *types.Endpoint) net.IP {
	ip := net.ParseIP(ep.Address)
	if ip == nil {
		return nil
	}
	return ip.To4()
}

func aRecord(fqdn string, ip net.IP) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{
			Name:   fqdn,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    DefaultTTL,
		},
		A: ip,
	}
}
