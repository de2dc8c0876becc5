package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/jmerrifield20/jmxscraper/internal/metrics"
)

const closeTimeout = 2 * time.Second

// Conn is an authenticated management connection. It is safe for concurrent
// use; Close is idempotent.
type Conn struct {
	cc      *grpc.ClientConn
	address string
	id      string
	token   string
	logger  *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// ID returns the server-assigned connection ID.
func (c *Conn) ID() string { return c.id }

// Token returns the session token issued by the server.
func (c *Conn) Token() string { return c.token }

// Address returns the host:port the connection was dialed to.
func (c *Conn) Address() string { return c.address }

func (c *Conn) authorized(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, authorizationKey, "Bearer "+c.token)
}

// GetAttribute reads one attribute of a managed object, e.g.
// ("runtime:type=Memory", "HeapAlloc").
func (c *Conn) GetAttribute(ctx context.Context, object, attribute string) (any, error) {
	out, err := c.invoke(c.authorized(ctx), methodGetAttribute, map[string]any{
		fieldObject:    object,
		fieldAttribute: attribute,
	})
	if err != nil {
		return nil, fmt.Errorf("get %s#%s: %w", object, attribute, err)
	}
	v, ok := out.GetFields()[fieldValue]
	if !ok {
		return nil, fmt.Errorf("get %s#%s: response has no value", object, attribute)
	}
	return v.AsInterface(), nil
}

// Close ends the session and releases the channel.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		_, err := c.invoke(c.authorized(ctx), methodClose, map[string]any{})
		c.closeErr = multierr.Append(err, c.cc.Close())
		metrics.ConnectionClosed()
		if c.closeErr != nil {
			c.logger.Debug("management connection closed with errors",
				zap.String("connection_id", c.id), zap.Error(c.closeErr))
		}
	})
	return c.closeErr
}
