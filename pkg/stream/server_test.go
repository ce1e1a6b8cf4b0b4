package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kamui "github.com/lambdaS-zh/kamui"
)

func TestAcceptBeforeListen(t *testing.T) {
	s := testStore(t)
	server := NewServer(s, testDriver(), testLogger())
	_, err := server.Accept(context.Background())
	assert.Equal(t, kamui.ErrNotListening, err)
}

func TestAcceptEmptyBacklog(t *testing.T) {
	s := testStore(t)
	server := NewServer(s, testDriver(), testLogger())
	require.Nil(t, server.Listen(context.Background(), addressTest))
	_, err := server.Accept(context.Background())
	assert.True(t, isAgainErr(err))
}

func TestBacklogOrdering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	logger := testLogger()
	client := NewClient(s, testDriver(), logger)
	server := NewServer(s, testDriver(), logger)
	require.Nil(t, server.Listen(ctx, addressTest))

	op1, err := client.Dial(ctx, addressTest)
	require.Nil(t, err)
	op2, err := client.Dial(ctx, addressTest)
	require.Nil(t, err)

	// The server walks the backlog in listing order and hands out the
	// smallest free numbers.
	first, err := server.Accept(ctx)
	require.Nil(t, err)
	second, err := server.Accept(ctx)
	require.Nil(t, err)
	assert.Equal(t, kamui.JoinID(kamui.IdConnection, addressTest, "0"), first.ZoneId())
	assert.Equal(t, kamui.JoinID(kamui.IdConnection, addressTest, "1"), second.ZoneId())
	assert.Equal(t, 2, server.ConnectionCount())

	conn1, err := op1.Step(ctx)
	require.Nil(t, err)
	conn2, err := op2.Step(ctx)
	require.Nil(t, err)
	assert.NotEqual(t, conn1.ZoneId(), conn2.ZoneId())

	// Both request records are gone once the clients took their answers.
	assert.False(t, s.HasZone(kamui.JoinID(kamui.IdServerListenBacklog, addressTest, op1.Token())))
	assert.False(t, s.HasZone(kamui.JoinID(kamui.IdServerListenBacklog, addressTest, op2.Token())))
}

func TestConnectRefusedWithoutBacklog(t *testing.T) {
	s := testStore(t)
	client := NewClient(s, testDriver(), testLogger())
	_, err := client.Dial(context.Background(), "nobody-listens-here")
	assert.True(t, errors.Is(err, kamui.ErrRefused), "dial: %v", err)
}

func TestAcceptDeletesStaleRequest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	server := NewServer(s, testDriver(), testLogger())
	require.Nil(t, server.Listen(ctx, addressTest))

	// A request record without F_CONN is a leftover from a dead client.
	token, err := kamui.NewRequestToken()
	require.Nil(t, err)
	zoneId := kamui.JoinID(kamui.IdServerListenBacklog, addressTest, token)
	require.Nil(t, s.WriteRecord(ctx, zoneId, kamui.Record{"CLIENT_ADDRESS": "reserved"}))

	_, err = server.Accept(ctx)
	assert.True(t, isAgainErr(err))
	assert.False(t, s.HasZone(zoneId))
}

func TestAcceptSkipsAlreadyAccepted(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	server := NewServer(s, testDriver(), testLogger())
	require.Nil(t, server.Listen(ctx, addressTest))

	token, err := kamui.NewRequestToken()
	require.Nil(t, err)
	zoneId := kamui.JoinID(kamui.IdServerListenBacklog, addressTest, token)
	req := requestRecord{ClientAddress: "reserved", Conn: true, ConnAck: true, ConnNum: 7}
	require.Nil(t, s.WriteRecord(ctx, zoneId, req.record()))

	_, err = server.Accept(ctx)
	assert.True(t, isAgainErr(err))
	// The record stays; the client it belongs to still has to consume it.
	assert.True(t, s.HasZone(zoneId))
}

func TestConnNumsFull(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	logger := testLogger()
	client := NewClient(s, testDriver(), logger)
	server := NewServer(s, testDriver(), logger)
	require.Nil(t, server.Listen(ctx, addressTest))

	for i := 0; i < MaxConnections; i++ {
		_, err := client.Dial(ctx, addressTest)
		require.Nil(t, err)
		_, err = server.Accept(ctx)
		require.Nil(t, err)
	}
	assert.Equal(t, MaxConnections, server.ConnectionCount())

	_, err := client.Dial(ctx, addressTest)
	require.Nil(t, err)
	_, err = server.Accept(ctx)
	assert.True(t, isAgainErr(err), "accept with all conn nums busy: %v", err)
}

func TestConnNumReuse(t *testing.T) {
	// Connect and close serially past the connection number limit; every
	// close returns its number to the pool.
	s := testStore(t)
	ctx := context.Background()
	logger := testLogger()
	client := NewClient(s, testDriver(), logger)
	server := NewServer(s, testDriver(), logger)
	require.Nil(t, server.Listen(ctx, addressTest))

	for i := 0; i < MaxConnections+1; i++ {
		op, err := client.Dial(ctx, addressTest)
		require.Nil(t, err)
		serverConn, err := server.Accept(ctx)
		require.Nil(t, err)
		clientConn, err := op.Step(ctx)
		require.Nil(t, err)
		require.Equal(t, kamui.JoinID(kamui.IdConnection, addressTest, "0"), serverConn.ZoneId(), "iteration %d", i)

		// Drain both directions by hand, then close.
		eof := stepShutdownWR(t, clientConn, serverConn)
		require.Len(t, eof, 0)
		eof = stepShutdownWR(t, serverConn, clientConn)
		require.Len(t, eof, 0)
		require.Nil(t, clientConn.Close(ctx))
		require.Nil(t, serverConn.Close(ctx))
		require.Equal(t, 0, server.ConnectionCount())
	}
	assert.Equal(t, 0, s.ZoneCount())
}

func TestConnectContextDriven(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	logger := testLogger()
	client := NewClient(s, testDriver(), logger)
	server := NewServer(s, testDriver(), logger)
	require.Nil(t, server.Listen(ctx, addressTest))

	done := make(chan *Connection, 1)
	go func() {
		conn, err := client.Connect(ctx, addressTest)
		assert.Nil(t, err)
		done <- conn
	}()

	serverConn, err := server.AcceptContext(ctx)
	require.Nil(t, err)
	clientConn := <-done
	require.NotNil(t, clientConn)

	got := stepSend(t, clientConn, serverConn, []byte("ping"))
	assert.Equal(t, []byte("ping"), got)
}

func TestListenEmptyAddress(t *testing.T) {
	s := testStore(t)
	server := NewServer(s, testDriver(), testLogger())
	err := server.Listen(context.Background(), "")
	assert.True(t, errors.Is(err, kamui.ErrIllegalArgument))
}

func TestRequestRefiledWhenZoneVanishes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	client := NewClient(s, testDriver(), testLogger())
	server := NewServer(s, testDriver(), testLogger())
	require.Nil(t, server.Listen(ctx, addressTest))

	op, err := client.Dial(ctx, addressTest)
	require.Nil(t, err)
	zoneId := kamui.JoinID(kamui.IdServerListenBacklog, addressTest, op.Token())

	// Someone wipes the request; the next poll refiles it.
	require.Nil(t, s.Delete(ctx, zoneId))
	_, err = op.Step(ctx)
	assert.True(t, isAgainErr(err))
	assert.True(t, s.HasZone(zoneId))

	rec, err := s.ReadRecord(ctx, zoneId, false)
	require.Nil(t, err)
	var req requestRecord
	require.Nil(t, decode(rec, &req))
	assert.True(t, req.Conn)
	assert.False(t, req.ConnAck)
	assert.Equal(t, "reserved", req.ClientAddress)
}
