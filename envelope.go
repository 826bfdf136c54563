package distmq

import (
	"github.com/lukasgraetz/distmq/transport"
)

// PEID identifies a rank, 0 <= PEID < Size.
type PEID = transport.PEID

// Envelope is one logical message together with its routing metadata. The
// payload references a buffer owned by the queue and is valid only for the
// duration of the handler invocation; handlers that retain it must copy.
type Envelope[M any] struct {
	Message  []M
	Sender   PEID
	Receiver PEID
	Tag      int
}

// Handler consumes delivered envelopes. Handlers run on the polling
// goroutine and may post new messages to the queue they were invoked from;
// they must not call Terminate.
type Handler[M any] func(env Envelope[M])
