package stream

import (
	"fmt"
	"strings"
)

// Key identifies one logical live stream cluster-wide. It is composed of a
// room identifier and a media identifier joined by a colon, e.g.
// "room1:media1".
type Key struct {
	Room  string
	Media string
}

// ParseKey splits a "room:media" identifier into a Key. Both parts are
// required and must not contain further colons.
func ParseKey(raw string) (Key, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Key{}, fmt.Errorf("stream key is required")
	}
	parts := strings.Split(trimmed, ":")
	if len(parts) != 2 {
		return Key{}, fmt.Errorf("invalid stream key %q, expected room:media", raw)
	}
	room := strings.TrimSpace(parts[0])
	media := strings.TrimSpace(parts[1])
	if room == "" || media == "" {
		return Key{}, fmt.Errorf("invalid stream key %q, room and media are required", raw)
	}
	return Key{Room: room, Media: media}, nil
}

// String renders the canonical "room:media" form.
func (k Key) String() string {
	return k.Room + ":" + k.Media
}

// IsZero reports whether the key has been populated.
func (k Key) IsZero() bool {
	return k.Room == "" && k.Media == ""
}
