package scsm

import (
	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/opcua/chunk"
	"github.com/alxayo/opcua-sc/internal/opcua/ua"
)

// closeWithError implements the §4.2.5 closure policy for an error detected
// locally: the client sends CLO, the server sends ERR (redacting the reason
// when the cause is BadSecurityChecksFailed, via chunk.BuildErrBody), then
// the socket is closed.
func (c *Connection) closeWithError(status protoerr.StatusCode) {
	c.closeCore(status, true)
}

// closeImmediate skips on-wire notification: used when the socket has
// already failed, or the connection never reached ScConnected (§4.2.5).
func (c *Connection) closeImmediate(status protoerr.StatusCode) {
	c.closeCore(status, false)
}

// handleDisconnect is the local-initiated graceful teardown (client
// Disconnect() / server told to close by the listener).
func (c *Connection) handleDisconnect() {
	established := c.State() == StateScConnected || c.State() == StateScConnectedRenew
	c.closeCore(protoerr.BadSecureChannelClosed, established)
}

// closeCore is idempotent (§7): a second call on an already-closed
// Connection is a no-op.
func (c *Connection) closeCore(status protoerr.StatusCode, notifyPeer bool) {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.closeMu.Unlock()

	if notifyPeer && c.sc != nil && c.sc.Current != nil {
		c.sendClosureNotice(status)
	}

	c.cancelRenewTimer()
	c.pendingOpnTimer.cancel()
	c.pendingOpnTimer = nil

	c.requests.drain(func(req *chunk.SentRequestContext) {
		c.obs.SendFailure(c, req.RequestHandle, protoerr.BadSecureChannelClosed)
	})

	_ = c.netConn.Close()
	c.setState(StateClosed)
	c.cancel()
	c.obs.Disconnected(c, status)
}

// sendClosureNotice emits the CLO (client) or ERR (server) frame that
// precedes the socket close, best-effort: a write failure here is not
// itself escalated since the connection is already being torn down.
func (c *Connection) sendClosureNotice(status protoerr.StatusCode) {
	seq := c.nextSendSeq()
	if c.IsServer {
		body := chunk.BuildErrBody(status, status.String())
		out := chunk.EncodeErrChunk(body)
		_ = c.writeRaw(out)
		return
	}
	out, err := chunk.EncodeCloChunk(c.secureChannelID, c.sc.Current.TokenID, seq, nil, c.sc)
	if err != nil {
		c.log.Warn("failed to encode CLO", "error", err)
		return
	}
	_ = c.writeRaw(out)
}

func (c *Connection) nextSendSeq() ua.SequenceHeader {
	s := c.sendSeq
	c.sendSeq.SequenceNumber++
	return s
}
