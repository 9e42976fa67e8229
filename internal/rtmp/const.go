package rtmp

import "errors"

// ErrProtocol reports a malformed handshake or chunk sequence. Sessions are
// terminated and never retried on protocol violations.
var ErrProtocol = errors.New("rtmp protocol violation")

// Chunk basic-header formats.
const (
	fmtFull   = 0 // full message header
	fmtMedium = 1 // no stream id
	fmtShort  = 2 // timestamp delta only
	fmtNone   = 3 // continuation
)

// Message type IDs.
const (
	msgSetChunkSize     = 1
	msgAbort            = 2
	msgAck              = 3
	msgUserControl      = 4
	msgWindowAckSize    = 5
	msgSetPeerBandwidth = 6
	msgAudio            = 8
	msgVideo            = 9
	msgDataAMF0         = 18
	msgCommandAMF0      = 20
)

// User control event types.
const (
	eventStreamBegin = 0
	eventStreamEOF   = 1
)

// Chunk stream IDs used for server-originated messages.
const (
	chunkStreamProtocol = 2
	chunkStreamCommand  = 3
	chunkStreamAudio    = 4
	chunkStreamVideo    = 6
	chunkStreamData     = 5
)

const (
	defaultChunkSize  = 128
	serverChunkSize   = 4096
	defaultWindowSize = 2500000
	extendedTimestamp = 0xFFFFFF
	maxMessageSize    = 8 << 20
)
