package stream

import (
	"context"
	"fmt"
	"log/slog"

	kamui "github.com/lambdaS-zh/kamui"
)

// Reserved for future use; every request record carries it.
const clientAddressReserved = "reserved"

// A Client opens tunnel connections towards a listen address.
type Client struct {
	store  kamui.Store
	driver *Driver
	logger *slog.Logger
}

// NewClient creates a tunnel client over the given store. A nil driver means
// the historical defaults, a nil logger means [slog.Default].
func NewClient(store kamui.Store, driver *Driver, logger *slog.Logger) *Client {
	if driver == nil {
		driver = DefaultDriver()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		store:  store,
		driver: driver,
		logger: logger.With("service", "[CLIENT]"),
	}
}

// A ConnectOp is a connect handshake in progress. Step advances it; the
// state lives in the workspace, so the op itself stays inspectable.
type ConnectOp struct {
	client  *Client
	address string
	token   string
	zoneId  string
}

// Token returns the request token this attempt filed in the backlog.
func (op *ConnectOp) Token() string {
	return op.token
}

// Dial files a connection request in the listen backlog of address and
// returns the pending handshake. It fails with [kamui.ErrRefused] when no
// listen backlog exists for the address.
func (c *Client) Dial(ctx context.Context, address string) (*ConnectOp, error) {
	backlog, err := c.store.ReadRecord(ctx, kamui.JoinID(kamui.IdServerListenBacklog, address), false)
	if err != nil {
		return nil, err
	}
	if backlog == nil {
		return nil, fmt.Errorf("%w: no listen backlog for %q", kamui.ErrRefused, address)
	}

	token, err := kamui.NewRequestToken()
	if err != nil {
		return nil, err
	}
	op := &ConnectOp{
		client:  c,
		address: address,
		token:   token,
		zoneId:  kamui.JoinID(kamui.IdServerListenBacklog, address, token),
	}
	if _, err := c.store.ReadRecord(ctx, op.zoneId, true); err != nil {
		return nil, err
	}
	if err := op.file(ctx); err != nil {
		return nil, err
	}
	c.logger.Debug("connection request filed", "address", address, "token", token)
	return op, nil
}

// file (re)writes the initial request record.
func (op *ConnectOp) file(ctx context.Context) error {
	req := requestRecord{
		ClientAddress: clientAddressReserved,
		Conn:          true,
		ConnAck:       false,
	}
	return op.client.store.WriteRecord(ctx, op.zoneId, req.record())
}

// Step performs one poll of the handshake. While the server has not
// accepted it reports [kamui.ErrAgain]; a request record that went absent in
// the meantime is refiled. On acceptance the request zone is deleted and the
// client-side connection returned.
func (op *ConnectOp) Step(ctx context.Context) (*Connection, error) {
	rec, err := op.client.store.ReadRecord(ctx, op.zoneId, false)
	if err != nil {
		return nil, err
	}
	if len(rec) == 0 {
		if err := op.file(ctx); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: waiting for server accepting", kamui.ErrAgain)
	}
	var req requestRecord
	if err := decode(rec, &req); err != nil {
		return nil, err
	}
	if !req.Conn || !req.ConnAck {
		return nil, fmt.Errorf("%w: waiting for server accepting", kamui.ErrAgain)
	}

	connZone := kamui.JoinID(kamui.IdConnection, op.address, fmt.Sprint(req.ConnNum))
	if err := op.client.store.Delete(ctx, op.zoneId); err != nil {
		return nil, err
	}
	op.client.logger.Info("connected", "address", op.address, "conn", req.ConnNum)
	return newConnection(op.client.store, SideClient, connZone, op.client.driver, op.client.logger, nil), nil
}

// Connect drives the whole handshake with the client's driver and returns an
// established connection.
func (c *Client) Connect(ctx context.Context, address string) (*Connection, error) {
	op, err := c.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	var conn *Connection
	err = c.driver.Poll(ctx, func() error {
		var stepErr error
		conn, stepErr = op.Step(ctx)
		return stepErr
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
