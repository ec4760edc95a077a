package scsm

import (
	"fmt"

	protoerr "github.com/alxayo/opcua-sc/internal/errors"
	"github.com/alxayo/opcua-sc/internal/opcua/chunk"
	"github.com/alxayo/opcua-sc/internal/opcua/ua"
)

// handleOpn dispatches an inbound OPN to the role-specific handler: a
// client only ever sees OPN *responses* (to its own Issue/Renew), a server
// only ever sees OPN *requests* (§4.2).
func (c *Connection) handleOpn(res *chunk.IncomingResult) {
	if c.IsServer {
		c.handleOpnRequest(res)
	} else {
		c.handleOpnResponse(res)
	}
}

// handleClo implements the server/client table row `RcvClo -> Closed`:
// no reply is sent, the socket is simply closed (§4.2).
func (c *Connection) handleClo(res *chunk.IncomingResult) {
	c.closeImmediate(protoerr.BadSecureChannelClosed)
}

// handleMsgComplete delivers a fully reassembled MSG body to Services,
// discarding it silently if it is a response to a request this connection
// already gave up on (§4.1.3, §4.2.4).
func (c *Connection) handleMsgComplete(res *chunk.IncomingResult) {
	if !c.IsServer {
		if req, ok := c.requests.complete(res.RequestID); ok && req.TimeoutExpired {
			return
		}
	}
	c.obs.RcvMsg(c, res.Body, res.RequestID)
}

// handleMsgAbort implements §4.1.4/S4's receive-side behavior: the
// accumulator was already discarded by the chunk manager; Services is not
// notified of a message (the sender's own Services learns of the failure
// via SC_SND_FAILURE on their side, not here).
func (c *Connection) handleMsgAbort(res *chunk.IncomingResult) {
	c.log.Info("inbound message aborted by peer", "status", res.AbortStatus, "reason", res.AbortReason)
}

// handleRenewDue implements the token-renew timer expiry (§4.2.4): in
// ScConnected it starts a Renew; in every other state it's ignored because
// it raced a closure or an already-ongoing renewal.
func (c *Connection) handleRenewDue() {
	if c.IsServer || c.State() != StateScConnected {
		return
	}
	if err := c.sendOpnRenew(); err != nil {
		c.log.Warn("renew OPN failed", "error", err)
		c.closeWithError(protoerr.BadTcpInternalError)
	}
}

// handleOpnTimeout guards a Renew that never received a response; the
// initial Issue is bounded by Connect's synchronous socket deadline
// instead, so this only ever fires in ScConnectedRenew.
func (c *Connection) handleOpnTimeout() {
	if c.State() != StateScConnectedRenew {
		return
	}
	c.closeWithError(protoerr.BadTimeout)
}

// handleRequestTimeout marks the slot timed out (§4.1.3, §4.2.4); the slot
// stays in the table so a late response is recognized and discarded.
func (c *Connection) handleRequestTimeout(id uint32) {
	req, ok := c.requests.markTimedOut(id)
	if !ok {
		return
	}
	c.obs.RequestTimeout(c, req.RequestHandle)
}

// SendMsg sends body as one or more MSG chunks under the current token and
// returns the RequestId it was sent with. requestHandle is an
// application-level correlation value echoed back on SC_SND_FAILURE /
// SC_REQUEST_TIMEOUT.
func (c *Connection) SendMsg(body []byte, requestHandle uint32) (uint32, error) {
	done := make(chan sendResult, 1)
	c.post(event{kind: evSendMsg, sendBody: body, sendHandle: requestHandle, sendDone: done})
	select {
	case r := <-done:
		return r.requestID, r.err
	case <-c.ctx.Done():
		return 0, protoerr.NewChannelError("scsm.send_msg", protoerr.BadSecureChannelClosed,
			fmt.Errorf("connection closed"))
	}
}

// Disconnect requests the graceful, local-initiated teardown of §4.2.5.
func (c *Connection) Disconnect() {
	c.postAsNext(event{kind: evDisconnect})
	c.wg.Wait()
}

func (c *Connection) handleSendMsg(e event) {
	st := c.State()
	if st != StateScConnected && st != StateScConnectedRenew {
		e.sendDone <- sendResult{err: protoerr.NewChannelError("scsm.send_msg", protoerr.BadSecureChannelClosed,
			fmt.Errorf("channel not connected (state %s)", st))}
		return
	}
	reqID := c.requests.register(e.sendHandle, "MSG")
	seq := ua.SequenceHeader{SequenceNumber: c.sendSeq.SequenceNumber, RequestId: reqID}

	chunks, err := chunk.EncodeMsgChunks(c.secureChannelID, c.sc.Current.TokenID, seq, e.sendBody, c.sc, c.chunkSize)
	if err != nil {
		c.requests.complete(reqID)
		e.sendDone <- sendResult{err: err}
		return
	}
	c.sendSeq.SequenceNumber += uint32(len(chunks))

	for _, ch := range chunks {
		if werr := c.writeRaw(ch); werr != nil {
			c.requests.complete(reqID)
			e.sendDone <- sendResult{err: werr}
			c.closeImmediate(protoerr.BadSecureChannelClosed)
			return
		}
	}
	if !c.IsServer && c.requestTimeout > 0 {
		c.armRequestTimer(reqID, c.requestTimeout)
	}
	e.sendDone <- sendResult{requestID: reqID}
}
