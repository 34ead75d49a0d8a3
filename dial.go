package dbconnector

import (
	"context"
	"net"
	"sync"
)

var (
	defaultConnectorOnce sync.Once
	defaultConnector     *Connector
	defaultConnectorErr  error
)

// Dial returns a net.Conn to the given instance using a process-wide default
// Connector, built on first use from application default credentials. The
// default Connector's refresh goroutines are never stopped, so long-running
// programs that care about clean shutdown should construct their own
// Connector via NewConnector instead.
func Dial(ctx context.Context, rawURI string, opts ...DialOption) (net.Conn, error) {
	c, err := getDefaultConnector(ctx)
	if err != nil {
		return nil, err
	}
	return c.Connect(ctx, rawURI, opts...)
}

func getDefaultConnector(ctx context.Context) (*Connector, error) {
	defaultConnectorOnce.Do(func() {
		defaultConnector, defaultConnectorErr = NewConnector(ctx)
	})
	return defaultConnector, defaultConnectorErr
}
