package protocol

import (
	"fmt"
	"strings"

	"github.com/Jmi2020/howdyscreen-go/pkg/fault"
)

// Discovery exchange, plain ASCII on the discovery port. The probe is the
// fixed request literal; the identity string encodes who answered.
const (
	DiscoveryProbe   = "HOWDYTTS_DISCOVERY"
	identityPrefix   = "HOWDYSCREEN_"
	identityRoomMark = "_ROOM_"
)

// Identity is the parsed form of a discovery identity string,
// HOWDYSCREEN_<device_class>_<device_id>_ROOM_<room>.
type Identity struct {
	DeviceClass string
	DeviceID    string
	Room        string
}

// FormatIdentity renders the identity string. Underscores inside the
// fields would break parsing, so they are mapped to dashes.
func FormatIdentity(id Identity) string {
	clean := func(s string) string { return strings.ReplaceAll(s, "_", "-") }
	return fmt.Sprintf("%s%s_%s%s%s",
		identityPrefix, clean(id.DeviceClass), clean(id.DeviceID), identityRoomMark, id.Room)
}

// ParseIdentity decodes an identity string.
func ParseIdentity(s string) (Identity, error) {
	bad := func() (Identity, error) {
		return Identity{}, fault.Newf(fault.InvalidArgument, "protocol",
			"malformed identity %q", s)
	}
	if !strings.HasPrefix(s, identityPrefix) {
		return bad()
	}
	rest := s[len(identityPrefix):]
	roomIdx := strings.Index(rest, identityRoomMark)
	if roomIdx < 0 {
		return bad()
	}
	head, room := rest[:roomIdx], rest[roomIdx+len(identityRoomMark):]
	class, deviceID, ok := strings.Cut(head, "_")
	if !ok || class == "" || deviceID == "" || room == "" {
		return bad()
	}
	return Identity{DeviceClass: class, DeviceID: deviceID, Room: room}, nil
}
