// Package services defines the §6 input/output event types exchanged with
// the Services layer — the type shapes only, no service-level semantics
// (OPC UA request/response dispatch is explicitly out of scope, §1
// Non-goals). scsm and slsm already raise these notifications through
// their own Observer interfaces; this package gives the events flowing the
// other way (Services → core) a concrete, typed home so a future Services
// adapter has a single set of types to depend on instead of ad hoc
// function signatures per caller.
package services

import (
	protoerr "github.com/alxayo/opcua-sc/internal/errors"
)

// InputEvent is one of the events Services may raise into the core
// (§6 "Input events accepted by the core").
type InputEvent interface {
	isInputEvent()
}

// EndpointOpen requests SLSM open the named endpoint configuration.
type EndpointOpen struct {
	EndpointConfigID int
}

// EndpointClose requests SLSM close the named endpoint configuration.
type EndpointClose struct {
	EndpointConfigID int
}

// ReverseEndpointOpen is the client-side symmetric counterpart used to host
// a reverse-hello listener (§4.3, §9 scenario).
type ReverseEndpointOpen struct {
	EndpointConfigID int
}

// ReverseEndpointClose closes a reverse-hello listener opened above.
type ReverseEndpointClose struct {
	EndpointConfigID int
}

// SecureChannelConnect asks SCSM to initiate a client connection using the
// named secure-channel configuration.
type SecureChannelConnect struct {
	ChannelConfigID int
}

// SecureChannelReverseConnect accepts a pending reverse-hello socket and
// then drives the usual client SC_CONNECT sequence over it.
type SecureChannelReverseConnect struct {
	ReverseEndpointConfigID int
	ChannelConfigID         int
}

// SecureChannelDisconnect requests graceful teardown of a live channel.
type SecureChannelDisconnect struct {
	ChannelID int
}

// SendMsg asks the core to send a MSG body on an established channel.
type SendMsg struct {
	ChannelID     int
	Body          []byte
	RequestHandle uint32
}

// SendErr forces a server-side abort response with the given status.
type SendErr struct {
	ChannelID int
	Status    protoerr.StatusCode
	RequestID uint32
}

// DisconnectedAck acknowledges a prior Disconnected notification so the
// core may recycle the channel's table slot.
type DisconnectedAck struct {
	ChannelID       int
	ChannelConfigID int
}

func (EndpointOpen) isInputEvent()               {}
func (EndpointClose) isInputEvent()              {}
func (ReverseEndpointOpen) isInputEvent()         {}
func (ReverseEndpointClose) isInputEvent()        {}
func (SecureChannelConnect) isInputEvent()        {}
func (SecureChannelReverseConnect) isInputEvent() {}
func (SecureChannelDisconnect) isInputEvent()     {}
func (SendMsg) isInputEvent()                     {}
func (SendErr) isInputEvent()                     {}
func (DisconnectedAck) isInputEvent()             {}

// OutputEvent is one of the events the core raises toward Services
// (§6 "Output events raised to Services"). scsm.Observer and
// slsm.Observer already deliver these as direct method calls; OutputEvent
// gives a Services adapter a uniform type to funnel them through a single
// channel/dispatcher if it needs one.
type OutputEvent interface {
	isOutputEvent()
}

type EndpointConnected struct{ EndpointConfigID int }
type EndpointClosed struct{ EndpointConfigID int }
type EndpointReverseClosed struct{ EndpointConfigID int }
type SecureChannelConnected struct{ ChannelID int }
type SecureChannelReverseConnected struct{ ChannelID int }
type SecureChannelConnectionTimeout struct{ ChannelID int }
type SecureChannelDisconnected struct {
	ChannelID int
	Status    protoerr.StatusCode
}
type ServiceRcvMsg struct {
	ChannelID int
	Body      []byte
	RequestID uint32
}
type SendFailure struct {
	ChannelID     int
	RequestHandle uint32
	Status        protoerr.StatusCode
}
type RequestTimeout struct {
	ChannelID     int
	RequestHandle uint32
}

func (EndpointConnected) isOutputEvent()               {}
func (EndpointClosed) isOutputEvent()                  {}
func (EndpointReverseClosed) isOutputEvent()           {}
func (SecureChannelConnected) isOutputEvent()          {}
func (SecureChannelReverseConnected) isOutputEvent()   {}
func (SecureChannelConnectionTimeout) isOutputEvent()  {}
func (SecureChannelDisconnected) isOutputEvent()       {}
func (ServiceRcvMsg) isOutputEvent()                   {}
func (SendFailure) isOutputEvent()                     {}
func (RequestTimeout) isOutputEvent()                  {}
