// Package address names services and the endpoints that serve or consume them.
//
// Every endpoint carries a Channel, a routing triple that says where events for
// it must be dispatched:
//
//	source ── the dispatcher thread owning the endpoint
//	target ── the dispatcher thread of the peer (proxy side only)
//	cookie ── which process: unknown, local, the router, or a remote peer
//
// Stub and proxy addresses serialize to a slash-delimited path which is stable
// across the whole system and used on the broker wire and in logs:
//
//	stub/Calc.1.0.0.Public/Consumer/worker/3.0.1
package address

import (
	"fmt"
	"strconv"
	"strings"
)

// Sentinel ids and cookies.
const (
	IDUnknown uint64 = 0

	CookieUnknown     uint64 = 0
	CookieLocal       uint64 = 1
	CookieRouter      uint64 = 2
	CookieFirstRemote uint64 = 256 // first cookie the router hands out to a connected process
	CookieAny         uint64 = ^uint64(0)
)

// ChannelSeparator joins the three fields of a channel string.
const ChannelSeparator = "."

// Channel is the routing triple of one endpoint. Zero value is invalid.
type Channel struct {
	Source uint64
	Target uint64
	Cookie uint64
}

// NewChannel builds a channel from its three ids.
func NewChannel(source, target, cookie uint64) Channel {
	return Channel{Source: source, Target: target, Cookie: cookie}
}

// IsValid reports whether the channel belongs to a known process.
func (c Channel) IsValid() bool {
	return c.Cookie != CookieUnknown
}

// Invalidate resets all fields to their unknown sentinels.
func (c *Channel) Invalidate() {
	c.Source = IDUnknown
	c.Target = IDUnknown
	c.Cookie = CookieUnknown
}

// String renders "source.target.cookie".
func (c Channel) String() string {
	return strconv.FormatUint(c.Source, 10) + ChannelSeparator +
		strconv.FormatUint(c.Target, 10) + ChannelSeparator +
		strconv.FormatUint(c.Cookie, 10)
}

// ParseChannel is the inverse of Channel.String.
func ParseChannel(s string) (Channel, error) {
	parts := strings.Split(s, ChannelSeparator)
	if len(parts) != 3 {
		return Channel{}, fmt.Errorf("channel %q: expect 3 fields, got %d", s, len(parts))
	}
	var ids [3]uint64
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Channel{}, fmt.Errorf("channel %q: %w", s, err)
		}
		ids[i] = v
	}
	return Channel{Source: ids[0], Target: ids[1], Cookie: ids[2]}, nil
}
