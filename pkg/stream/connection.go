package stream

import (
	"context"
	"fmt"
	"log/slog"

	kamui "github.com/lambdaS-zh/kamui"
	"github.com/lambdaS-zh/kamui/internal/checksum"
)

// Side of the tunnel a connection lives on. It decides which channel pair is
// sent on and which is received on.
type Side string

const (
	SideClient Side = "client"
	SideServer Side = "server"
)

// Shutdown flags, mirroring the socket API. Shutting down the read side is a
// no-op; only the write side runs the FIN handshake.
type ShutdownFlag uint8

const (
	ShutRD ShutdownFlag = iota
	ShutWR
	ShutRDWR
)

// A Connection is one ordered byte stream through the workspace. It owns the
// four channel zones under its connection zone and a per-direction state
// machine over them.
//
// Recv, SendAll and Shutdown each perform ONE protocol step and report
// [kamui.ErrAgain] until the step completes; a [Driver] owns the retry loop.
// A connection is single-threaded cooperative: the two directions may be
// driven from two goroutines because they touch disjoint zones, but one
// direction must never be driven from two places at once.
type Connection struct {
	store   kamui.Store
	logger  *slog.Logger
	driver  *Driver
	side    Side
	zoneId  string
	onClose func(*Connection)

	recvCtrlId string
	recvDataId string
	sendCtrlId string
	sendDataId string

	recvBuffer []byte
	recvEOF    bool
	sendEOF    bool
	recvSeq    int64
	sendSeq    int64
}

func newConnection(store kamui.Store, side Side, zoneId string, driver *Driver, logger *slog.Logger, onClose func(*Connection)) *Connection {
	if driver == nil {
		driver = DefaultDriver()
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn := &Connection{
		store:   store,
		logger:  logger.With("service", "[CONN]", "side", string(side), "zone", zoneId),
		driver:  driver,
		side:    side,
		zoneId:  zoneId,
		onClose: onClose,
	}
	if side == SideClient {
		conn.recvCtrlId = kamui.JoinID(zoneId, kamui.IdConnS2CCtrl)
		conn.recvDataId = kamui.JoinID(zoneId, kamui.IdConnS2CData)
		conn.sendCtrlId = kamui.JoinID(zoneId, kamui.IdConnC2SCtrl)
		conn.sendDataId = kamui.JoinID(zoneId, kamui.IdConnC2SData)
	} else {
		conn.recvCtrlId = kamui.JoinID(zoneId, kamui.IdConnC2SCtrl)
		conn.recvDataId = kamui.JoinID(zoneId, kamui.IdConnC2SData)
		conn.sendCtrlId = kamui.JoinID(zoneId, kamui.IdConnS2CCtrl)
		conn.sendDataId = kamui.JoinID(zoneId, kamui.IdConnS2CData)
	}
	return conn
}

// ZoneId returns the connection zone this connection is bound to.
func (c *Connection) ZoneId() string {
	return c.zoneId
}

// Side returns which end of the tunnel this connection lives on.
func (c *Connection) Side() Side {
	return c.side
}

func (c *Connection) cutBuffer(n int) []byte {
	if n <= 0 || n >= len(c.recvBuffer) {
		out := c.recvBuffer
		c.recvBuffer = nil
		if out == nil {
			out = []byte{}
		}
		return out
	}
	out := c.recvBuffer[:n:n]
	c.recvBuffer = c.recvBuffer[n:]
	return out
}

// Recv performs one receive step. It consumes an outstanding payload from
// the receiving channel if one is visible, acknowledges it, then delivers
// buffered bytes:
//
//   - want > 0 returns exactly want bytes once buffered;
//   - want <= 0 returns the whole buffer once non-empty;
//   - at EOF whatever remains is returned, possibly a zero-length slice,
//     which is the EOF signal.
//
// Until one of those holds it reports [kamui.ErrAgain].
func (c *Connection) Recv(ctx context.Context, want int) ([]byte, error) {
	rec, err := c.store.ReadRecord(ctx, c.recvCtrlId, false)
	if err != nil {
		return nil, err
	}
	if len(rec) > 0 {
		var ctrl ctrlRecord
		if err := decode(rec, &ctrl); err != nil {
			return nil, err
		}
		stage := ctrl.sndStage()
		finishing := ctrl.finishing()

		if stage == sndStageRequesting {
			if ctrl.Seq != c.recvSeq+1 {
				return nil, fmt.Errorf("%w: bad request seq %d, expected %d", kamui.ErrBrokenPipe, ctrl.Seq, c.recvSeq+1)
			}
			blob, err := c.store.ReadBlob(ctx, c.recvDataId, false)
			if err != nil {
				return nil, err
			}
			if blob == nil {
				// Control record is visible before its payload; the
				// filesystem may sync out of order.
				return nil, fmt.Errorf("%w: payload not visible yet", kamui.ErrAgain)
			}
			if sum := checksum.Sum(blob); sum != ctrl.Checksum {
				return nil, fmt.Errorf("%w: bad request checksum %s, control says %s", kamui.ErrBrokenPipe, sum, ctrl.Checksum)
			}
			ctrl.SndAck = true
			ctrl.SeqAck = c.recvSeq + 1
			if finishing {
				ctrl.FinAck = true
			}
			if err := c.store.WriteRecord(ctx, c.recvCtrlId, ctrl.record()); err != nil {
				return nil, err
			}
			// REQUESTING -> REPLYING
			c.recvBuffer = append(c.recvBuffer, blob...)
			c.recvSeq++
			c.logger.Debug("payload received", "seq", c.recvSeq, "len", len(blob))
		} else if finishing {
			ctrl.FinAck = true
			if err := c.store.WriteRecord(ctx, c.recvCtrlId, ctrl.record()); err != nil {
				return nil, err
			}
			c.logger.Debug("fin received", "seq", c.recvSeq)
		}
		if finishing {
			c.recvEOF = true
		}
	}

	switch {
	case want <= 0 && len(c.recvBuffer) > 0:
		return c.cutBuffer(0), nil
	case want > 0 && len(c.recvBuffer) >= want:
		return c.cutBuffer(want), nil
	case c.recvEOF:
		return c.cutBuffer(0), nil
	}
	return nil, fmt.Errorf("%w: no payload pending", kamui.ErrAgain)
}

// SendAll performs one send step for data. The caller must retry with the
// same data until the step stops reporting [kamui.ErrAgain]: the first step
// places the payload, later steps wait out the peer ack and clear the
// channel back to idle.
func (c *Connection) SendAll(ctx context.Context, data []byte) error {
	if c.sendEOF {
		return fmt.Errorf("%w: sending pipe closed", kamui.ErrBrokenPipe)
	}
	rec, err := c.store.ReadRecord(ctx, c.sendCtrlId, true)
	if err != nil {
		return err
	}
	var ctrl ctrlRecord
	if err := decode(rec, &ctrl); err != nil {
		return err
	}
	if ctrl.Fin {
		return fmt.Errorf("%w: sending pipe closed", kamui.ErrBrokenPipe)
	}

	switch ctrl.sndStage() {
	case sndStageIdle:
		seq := c.sendSeq + 1
		if err := c.store.WriteBlob(ctx, c.sendDataId, data); err != nil {
			return err
		}
		ctrl.Snd = true
		ctrl.SndAck = false
		ctrl.Seq = seq
		ctrl.Checksum = checksum.Sum(data)
		if err := c.store.WriteRecord(ctx, c.sendCtrlId, ctrl.record()); err != nil {
			return err
		}
		// IDLE -> REQUESTING
		c.sendSeq = seq
		c.logger.Debug("payload placed", "seq", seq, "len", len(data))
		return fmt.Errorf("%w: payload placed, waiting for ack", kamui.ErrAgain)

	case sndStageReplying:
		if ctrl.SeqAck != c.sendSeq {
			return fmt.Errorf("%w: bad reply ack %d, expected %d", kamui.ErrBrokenPipe, ctrl.SeqAck, c.sendSeq)
		}
		ctrl.Snd = false
		ctrl.SndAck = false
		ctrl.Seq = -1
		ctrl.SeqAck = -1
		if err := c.store.WriteRecord(ctx, c.sendCtrlId, ctrl.record()); err != nil {
			return err
		}
		// REPLYING -> IDLE
		c.logger.Debug("payload acknowledged", "seq", c.sendSeq)
		return nil
	}
	// REQUESTING, peer has not consumed the payload yet.
	return fmt.Errorf("%w: waiting for reply", kamui.ErrAgain)
}

// Shutdown performs one shutdown step. Read-side shutdown is a no-op;
// write-side shutdown drains any outstanding payload, raises FIN, waits for
// the peer's FIN-ACK, then deletes the sending channel zones.
func (c *Connection) Shutdown(ctx context.Context, flag ShutdownFlag) error {
	switch flag {
	case ShutRD:
		return nil
	case ShutWR, ShutRDWR:
		return c.shutdownWR(ctx)
	}
	return fmt.Errorf("%w: unknown shutdown flag %d", kamui.ErrIllegalArgument, flag)
}

func (c *Connection) shutdownWR(ctx context.Context) error {
	rec, err := c.store.ReadRecord(ctx, c.sendCtrlId, true)
	if err != nil {
		return err
	}
	var ctrl ctrlRecord
	if err := decode(rec, &ctrl); err != nil {
		return err
	}
	if ctrl.sndStage() != sndStageIdle {
		// Any outstanding payload must drain before FIN may be raised.
		return fmt.Errorf("%w: waiting for data transfer to complete", kamui.ErrAgain)
	}

	switch ctrl.finStage() {
	case finStageIdle:
		ctrl.Fin = true
		if err := c.store.WriteRecord(ctx, c.sendCtrlId, ctrl.record()); err != nil {
			return err
		}
		// IDLE -> REQUESTING
		c.sendEOF = true
		c.logger.Debug("fin placed")
		return fmt.Errorf("%w: fin placed, waiting for ack", kamui.ErrAgain)

	case finStageReplying:
		// FIN-ACK received, the sending channel can go away.
		if err := c.store.Delete(ctx, c.sendCtrlId); err != nil {
			return err
		}
		if err := c.store.Delete(ctx, c.sendDataId); err != nil {
			return err
		}
		c.logger.Debug("sending channel drained and deleted")
		return nil
	}
	return fmt.Errorf("%w: waiting for fin ack", kamui.ErrAgain)
}

// Close drains the write side if it is still open, then releases the
// connection's bookkeeping (on the server, the connection number). Draining
// happens first so that a registry consulted by other drivers stays intact
// until the FIN exchange is over.
func (c *Connection) Close(ctx context.Context) error {
	var err error
	if !c.sendEOF {
		err = c.driver.Poll(ctx, func() error {
			return c.Shutdown(ctx, ShutWR)
		})
	}
	if c.onClose != nil {
		c.onClose(c)
		c.onClose = nil
	}
	return err
}

// RecvContext drives Recv with the connection's driver until bytes (or EOF)
// are available.
func (c *Connection) RecvContext(ctx context.Context, want int) ([]byte, error) {
	var out []byte
	err := c.driver.Poll(ctx, func() error {
		var stepErr error
		out, stepErr = c.Recv(ctx, want)
		return stepErr
	})
	return out, err
}

// SendContext drives SendAll with the connection's driver until the payload
// is acknowledged.
func (c *Connection) SendContext(ctx context.Context, data []byte) error {
	return c.driver.Poll(ctx, func() error {
		return c.SendAll(ctx, data)
	})
}

// ShutdownContext drives Shutdown with the connection's driver until the FIN
// exchange completes.
func (c *Connection) ShutdownContext(ctx context.Context, flag ShutdownFlag) error {
	return c.driver.Poll(ctx, func() error {
		return c.Shutdown(ctx, flag)
	})
}
