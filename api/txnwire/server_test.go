package txnwire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/toriidb/core/regionserver"
	"github.com/sushant-115/toriidb/core/transaction"
	"github.com/sushant-115/toriidb/core/write_engine/txnlog"
)

func setupWireServer(t *testing.T) net.Conn {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	lm, err := txnlog.NewLogManager(t.TempDir(), txnlog.Config{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })

	leases := transaction.NewLeaseRegistry(time.Minute, time.Second, logger)
	dispatcher := regionserver.NewServer(lm, leases, logger)
	_, err = dispatcher.OpenRegion("r", regionserver.KeyRange{})
	require.NoError(t, err)

	srv := NewServer(dispatcher, logger, nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(lis)
	t.Cleanup(func() { srv.Close() })

	conn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, reader *bufio.Reader, raw string) Response {
	t.Helper()
	_, err := fmt.Fprintf(conn, "%s\n", raw)
	require.NoError(t, err)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func TestMalformedLineDoesNotWedgeConnection(t *testing.T) {
	conn := setupWireServer(t)
	reader := bufio.NewReader(conn)

	resp := roundTrip(t, conn, reader, "this is not json")
	require.Equal(t, StatusError, resp.Status)
	require.Equal(t, CodeBadRequest, resp.Code)

	// The same connection keeps working afterwards.
	resp = roundTrip(t, conn, reader, `{"command":"BEGIN","region":"r","txn_id":7}`)
	require.Equal(t, StatusOK, resp.Status)
	resp = roundTrip(t, conn, reader, `{"command":"ABORT","region":"r","txn_id":7}`)
	require.Equal(t, StatusAborted, resp.Status)
}

func TestUnknownCommand(t *testing.T) {
	conn := setupWireServer(t)
	reader := bufio.NewReader(conn)

	resp := roundTrip(t, conn, reader, `{"command":"LEVITATE","region":"r"}`)
	require.Equal(t, StatusError, resp.Status)
	require.Equal(t, CodeBadRequest, resp.Code)
	require.Contains(t, resp.Message, "unknown command")
}

func TestSingleKeyPutAndDeleteForms(t *testing.T) {
	conn := setupWireServer(t)
	reader := bufio.NewReader(conn)

	put := Request{Command: CmdPut, Region: "r", Key: "k", Value: []byte("v")}
	data, err := json.Marshal(put)
	require.NoError(t, err)
	resp := roundTrip(t, conn, reader, string(data))
	require.Equal(t, StatusOK, resp.Status)

	resp = roundTrip(t, conn, reader, `{"command":"GET","region":"r","key":"k"}`)
	require.Equal(t, StatusOK, resp.Status)
	require.True(t, resp.Found)
	require.Equal(t, []byte("v"), resp.Value)

	resp = roundTrip(t, conn, reader, `{"command":"DELETE","region":"r","key":"k"}`)
	require.Equal(t, StatusOK, resp.Status)
	resp = roundTrip(t, conn, reader, `{"command":"GET","region":"r","key":"k"}`)
	require.Equal(t, StatusNotFound, resp.Status)
}
