// Package distmq provides asynchronous buffered message queues for
// bulk-synchronous parallel programs. Every participating process (a PE,
// addressed by its PEID rank) owns one endpoint of a queue and drives it
// cooperatively: posts enqueue messages for other ranks, Poll delivers
// whatever has arrived to a handler, and Terminate runs a distributed
// two-wave protocol that settles exactly when no message is posted,
// buffered, in flight or undelivered anywhere in the world.
//
// The raw Queue sends each posted buffer as one transport message. The
// BufferedQueue batches logical messages per destination through a
// Merger/Splitter pair (ready-made codecs live in the aggregation
// subpackage) and flushes on configurable thresholds. The indirection
// subpackage reroutes traffic through relay ranks so each PE keeps
// direct pairings with O(sqrt P) peers.
//
// Transports are pluggable behind transport.Conn: in-process shared inboxes
// (transport/local), a gob-encoded TCP mesh (transport/tcp) and MPI
// (transport/mpi).
package distmq
