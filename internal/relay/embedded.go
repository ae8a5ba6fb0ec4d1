package relay

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

const embeddedReadyTimeout = 5 * time.Second

// StartEmbedded runs an in-process NATS server on listen (host:port) so a
// small deployment can relay between nodes without an external broker.
// Port 0 picks a free port; the returned server's ClientURL reports it.
func StartEmbedded(listen, nodeID string, logger *zap.Logger) (*server.Server, error) {
	host, portText, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("relay embedded listen %q: %w", listen, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return nil, fmt.Errorf("relay embedded port %q: %w", portText, err)
	}
	if port == 0 {
		port = server.RANDOM_PORT
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	natsServer, err := server.NewServer(&server.Options{
		ServerName: "imgate-" + nodeID,
		Host:       host,
		Port:       port,
		NoSigs:     true,
	})
	if err != nil {
		return nil, err
	}
	natsServer.Start()
	if !natsServer.ReadyForConnections(embeddedReadyTimeout) {
		natsServer.Shutdown()
		return nil, fmt.Errorf("relay: embedded nats server not ready after %s", embeddedReadyTimeout)
	}
	logger.Info("embedded nats server started", zap.String("url", natsServer.ClientURL()))
	return natsServer, nil
}
