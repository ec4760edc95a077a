package scsm

import protoerr "github.com/alxayo/opcua-sc/internal/errors"

// eventKind enumerates everything the run loop can dequeue. Modeled on the
// "Global event FIFOs" design note: a single owned loop dispatching on a
// typed enum rather than a generic callback.
type eventKind int

const (
	evRcvRaw eventKind = iota
	evSocketFailure
	evSendMsg
	evDisconnect
	evRenewDue
	evRequestTimeout
	evOpnTimeout
	evCloseAsNext
)

// event is the payload carried through the events/asNext queues. Only the
// fields relevant to kind are populated.
type event struct {
	kind      eventKind
	raw       []byte
	err       error
	status    protoerr.StatusCode
	requestID uint32

	sendBody   []byte
	sendHandle uint32
	sendDone   chan sendResult
}

type sendResult struct {
	requestID uint32
	err       error
}
