package queue

import (
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// StartEmbedded runs an in-process nats-server with JetStream persisted
// under storeDir, listening on a random loopback port. Connect with
// srv.ClientURL() and stop it with Shutdown.
func StartEmbedded(storeDir string) (*natsserver.Server, error) {
	if storeDir == "" {
		return nil, errors.New("embedded nats: store dir is required")
	}
	srv, err := natsserver.NewServer(&natsserver.Options{
		ServerName: "fixplan-embedded",
		Host:       "127.0.0.1",
		Port:       -1,
		NoLog:      true,
		NoSigs:     true,
		JetStream:  true,
		StoreDir:   storeDir,
	})
	if err != nil {
		return nil, fmt.Errorf("embedded nats: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, errors.New("embedded nats: not ready after 10s")
	}
	return srv, nil
}
