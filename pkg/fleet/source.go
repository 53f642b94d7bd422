package fleet

import (
	"context"
)

// Source enumerates the worker hosts that currently exist according to
// some inventory. Implementations return the candidate set of
// "address:port" strings; reconciliation against the registry happens in
// the Monitor.
type Source interface {
	Hosts(ctx context.Context) (map[string]struct{}, error)
}

// StaticSource is a fixed worker list, for local or offline operation
// where no instance inventory is available.
type StaticSource []string

func (s StaticSource) Hosts(ctx context.Context) (map[string]struct{}, error) {
	hosts := make(map[string]struct{}, len(s))
	for _, host := range s {
		hosts[host] = struct{}{}
	}
	return hosts, nil
}
