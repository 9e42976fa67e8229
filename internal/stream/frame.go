package stream

// FrameKind distinguishes the media unit carried by a Frame.
type FrameKind uint8

const (
	KindVideo FrameKind = iota
	KindAudio
	KindMetadata
)

// String returns the lowercase kind name used in logs and metrics labels.
func (k FrameKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// Frame is one decoded media unit flowing from an ingest session to delivery
// sessions. Frames are immutable once produced; the payload must not be
// modified after construction.
type Frame struct {
	Key       Key
	Kind      FrameKind
	Keyframe  bool
	Timestamp uint32
	Payload   []byte
}

// SequenceHeader reports whether the frame carries codec configuration
// rather than media samples. Sequence headers are cached separately from the
// GOP so late joiners can always initialise their decoder.
//
// For video the payload follows the FLV VideoTagHeader layout: the second
// byte is zero for an AVC sequence header. For audio the second byte is zero
// for an AAC sequence header.
func (f Frame) SequenceHeader() bool {
	if len(f.Payload) < 2 {
		return false
	}
	switch f.Kind {
	case KindVideo:
		return f.Payload[1] == 0 && (f.Payload[0]&0x0f) == 7
	case KindAudio:
		return f.Payload[1] == 0 && (f.Payload[0]>>4) == 10
	default:
		return false
	}
}
