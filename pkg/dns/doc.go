/*
Package dns serves the local discovery registry over DNS.

When Flotilla runs against its own containerd placement there is no cloud
registry to resolve service names, so this package answers queries for the
services and endpoints recorded in the local bolt store. Everything outside
the namespace domain is forwarded to an upstream resolver.

# Name Resolution Flow

	Query: jetdb.local
	  ↓
	1. Server receives the query on its UDP listener
	  ↓
	2. Name under the namespace domain?
	  ↓
	3a. Yes: resolver reads the service and its endpoints from the store
	3b. No: query forwarded to the upstream servers (SERVFAIL if none answer)
	  ↓
	4. Response returned to client (NXDOMAIN for unknown local names)

# Supported Query Types

## Service Names

Resolve to every registered endpoint, shuffled on each query:

	Query: jetdb.local
	Response:
	├── jetdb.local. 10 IN A 10.1.0.5
	└── jetdb.local. 10 IN A 10.1.0.6

## Instance Names

Endpoints are numbered from 1 in task id order, giving each a stable name
while the set of tasks does not change:

	Query: jetdb-2.local
	Response:
	└── jetdb-2.local. 10 IN A 10.1.0.6

## SRV Records

Container ports are host ports assigned at launch, so clients that need them
query SRV records. Targets are instance names and their A records are added
to the additional section:

	Query: _jetdb._tcp.local
	Response:
	├── _jetdb._tcp.local. 10 IN SRV 0 10 31000 jetdb-1.local.
	└── _jetdb._tcp.local. 10 IN SRV 0 10 31004 jetdb-2.local.

# Usage

	store, _ := storage.NewBoltStore(dataDir)
	server := dns.NewServer(store, &dns.Config{
		ListenAddr: "127.0.0.1:8053",
		Domain:     def.Namespace.Locale,
	})
	if err := server.Start(ctx); err != nil {
		return err
	}
	defer server.Stop()

All answers carry a TTL of DefaultTTL seconds since endpoints move as tasks
are stopped and relaunched.
*/
package dns
