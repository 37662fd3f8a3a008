package mcp

import "context"

// Store is the durable backing for server configurations and the tool
// call log. internal/store provides the sqlite implementation.
//
// Lookups that miss return (nil, nil).
type Store interface {
	ListServers(ctx context.Context) ([]ServerConfig, error)
	GetServer(ctx context.Context, id string) (*ServerConfig, error)
	GetServerByName(ctx context.Context, name string) (*ServerConfig, error)
	// SaveServer inserts or replaces the config with the same ID.
	SaveServer(ctx context.Context, cfg ServerConfig) error
	DeleteServer(ctx context.Context, id string) error
	AppendCallLog(ctx context.Context, entry CallLogEntry) error
}

// dbError wraps a store failure as KindDatabase.
func dbError(server, op string, err error) error {
	return &Error{Kind: KindDatabase, Server: server, Operation: op, Err: err}
}
