package distmq

import "errors"

var (
	// ErrInvalidReceiver reports a destination rank outside [0, size).
	ErrInvalidReceiver = errors.New("distmq: invalid receiver rank")

	// ErrReservedTag reports a data message posted on the control tag.
	ErrReservedTag = errors.New("distmq: tag reserved for control traffic")

	// ErrQueueTerminating reports a post after termination has committed.
	ErrQueueTerminating = errors.New("distmq: queue is terminating")

	// ErrBufferOverflow reports a single message larger than the
	// configured maximum buffer size.
	ErrBufferOverflow = errors.New("distmq: message exceeds maximum buffer size")
)
