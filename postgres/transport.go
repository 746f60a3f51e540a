package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgconn/ctxwatch"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velmie/pgwatch"
)

// Transport implements pgwatch.Transport with LISTEN on a dedicated connection outside
// any pool.
type Transport struct {
	config *pgx.ConnConfig
}

var _ pgwatch.Transport = (*Transport)(nil)

// NewTransport parses a connection string for the listening connection.
func NewTransport(connString string) (*Transport, error) {
	if connString == "" {
		return nil, ErrConnStringRequired
	}
	config, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseConfig, err)
	}

	return newTransport(config), nil
}

// NewTransportFromPool reuses the connection settings of pool.
func NewTransportFromPool(pool *pgxpool.Pool) (*Transport, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}

	return newTransport(pool.Config().ConnConfig.Copy()), nil
}

func newTransport(config *pgx.ConnConfig) *Transport {
	// An expired wait must interrupt the read without cancelling on the server or
	// closing the connection, so idle waits leave the session usable.
	config.BuildContextWatcherHandler = func(conn *pgconn.PgConn) ctxwatch.Handler {
		return &pgconn.DeadlineContextWatcherHandler{Conn: conn.Conn()}
	}

	return &Transport{config: config}
}

// Connect implements pgwatch.Transport.
func (t *Transport) Connect(ctx context.Context) (pgwatch.Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, t.config)
	if err != nil {
		return nil, fmt.Errorf("pgwatch postgres: listen connect failed: %w", err)
	}

	return &listenConn{conn: conn}, nil
}

type listenConn struct {
	conn *pgx.Conn
}

func (c *listenConn) Listen(ctx context.Context, channel string) error {
	if _, err := c.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("pgwatch postgres: listen %s failed: %w", channel, err)
	}

	return nil
}

func (c *listenConn) Receive(ctx context.Context, wait time.Duration) (pgwatch.Event, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	n, err := c.conn.WaitForNotification(waitCtx)
	if err == nil {
		return pgwatch.Event{Channel: n.Channel, Payload: []byte(n.Payload)}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return pgwatch.Event{}, ctxErr
	}
	if c.conn.IsClosed() {
		return pgwatch.Event{}, errors.Join(pgwatch.ErrTransportClosed, err)
	}
	if waitCtx.Err() != nil {
		return pgwatch.Event{}, pgwatch.ErrIdle
	}

	return pgwatch.Event{}, fmt.Errorf("pgwatch postgres: wait for notification failed: %w", err)
}

func (c *listenConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
