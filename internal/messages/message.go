/*
Package messages decodes the commands received from the event bus and encodes their replies.

Envelope:

	{"type": "translator_add", "message": {"route": "192.0.2.0/24", "vrf": "base", "asn": 65400, "community": 666, "next_hop": "192.0.2.199"}}
*/
package messages

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"

	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"

	"github.com/limhud/bgp-translator/internal/bgp"
	"github.com/limhud/bgp-translator/internal/errorcode"
)

// Kind is the closed set of commands a translator understands.
type Kind uint

const (
	KindAdd Kind = iota
	KindRemove
	KindRemoveAll
	KindCheck
)

// CheckResponseType is the type of the reply to a check command.
const CheckResponseType = "translator_check_resp"

var kindNames = [...]string{"translator_add", "translator_remove", "translator_remove_all", "translator_check"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("unknown(%d)", uint(k))
}

// ParseKind returns the Kind named by an envelope type.
func ParseKind(s string) (Kind, bool) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), true
		}
	}
	return 0, false
}

// Command is a validated inbound message.
type Command struct {
	Kind  Kind
	Route netip.Prefix // invalid for KindRemoveAll
	VRF   string
	// ASN and Community are kept as decoded (json.Number or nil); validation belongs to the path builder.
	ASN       interface{}
	Community interface{}
	NextHop   netip.Addr
	// fields holds the original message object, returned augmented in replies.
	fields map[string]interface{}
}

type envelope struct {
	Type    string                 `json:"type"`
	Message map[string]interface{} `json:"message"`
}

func invalid(format string, vals ...interface{}) error {
	return stacktrace.NewErrorWithCode(errorcode.EcodeInvalidMessage, format, vals...)
}

// IsMessageError reports whether err was raised because a message could not be parsed.
func IsMessageError(err error) bool {
	return errorcode.Is(err, errorcode.EcodeInvalidMessage)
}

// Parse decodes and validates a raw message.
func Parse(raw []byte) (*Command, error) {
	var env envelope
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&env); err != nil {
		return nil, stacktrace.PropagateWithCode(err, errorcode.EcodeInvalidMessage, "fail to decode message")
	}
	kind, ok := ParseKind(env.Type)
	if !ok {
		return nil, invalid("unknown event type <%s>", env.Type)
	}
	if env.Message == nil {
		env.Message = map[string]interface{}{}
	}
	cmd := &Command{
		Kind:      kind,
		ASN:       env.Message["asn"],
		Community: env.Message["community"],
		fields:    env.Message,
	}

	vrf, err := stringField(env.Message, "vrf")
	if err != nil {
		return nil, err
	}
	if vrf == "" {
		// older producers sent vrf_id
		if vrf, err = stringField(env.Message, "vrf_id"); err != nil {
			return nil, err
		}
	}
	if vrf == "" {
		loggo.GetLogger("").Warningf("no vrf given in <%s> message, defaulting to <%s>; this compatibility path is deprecated", kind, bgp.BaseVRF)
		vrf = bgp.BaseVRF
	}
	cmd.VRF = vrf

	if kind == KindRemoveAll {
		return cmd, nil
	}

	route, err := stringField(env.Message, "route")
	if err != nil {
		return nil, err
	}
	if route == "" {
		return nil, invalid("missing route in <%s> message", kind)
	}
	if cmd.Route, err = ParseRoute(route); err != nil {
		return nil, stacktrace.PropagateWithCode(err, errorcode.EcodeInvalidMessage, "invalid route in <%s> message", kind)
	}

	nextHop, err := stringField(env.Message, "next_hop")
	if err != nil {
		return nil, err
	}
	if nextHop != "" {
		if cmd.NextHop, err = netip.ParseAddr(nextHop); err != nil {
			return nil, stacktrace.PropagateWithCode(err, errorcode.EcodeInvalidMessage, "invalid next_hop <%s>", nextHop)
		}
	}
	return cmd, nil
}

// ParseRoute parses "<ip>/<len>" or a bare address, taken as a host route.
func ParseRoute(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, stacktrace.Propagate(err, "fail to parse <%s>", s)
		}
		return prefix, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, stacktrace.Propagate(err, "fail to parse <%s>", s)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func stringField(m map[string]interface{}, key string) (string, error) {
	v, exist := m[key]
	if !exist || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid("field <%s> must be a string, got <%v>", key, v)
	}
	return s, nil
}

// String returns a short description of the command for logs.
func (c *Command) String() string {
	if c.Kind == KindRemoveAll {
		return fmt.Sprintf("%s vrf=%s", c.Kind, c.VRF)
	}
	return fmt.Sprintf("%s route=%s vrf=%s", c.Kind, c.Route, c.VRF)
}

// Request returns the path builder input for add and remove commands.
func (c *Command) Request() bgp.Request {
	return bgp.Request{
		Prefix:    c.Route,
		ASN:       c.ASN,
		Community: c.Community,
		NextHop:   c.NextHop,
	}
}

// Reply encodes the answer to a check command: the original message augmented with
// is_blocked, last_seen (remaining cache TTL in seconds) and translator_name.
func (c *Command) Reply(blocked bool, lastSeen int64, translatorName string) ([]byte, error) {
	if c.Kind != KindCheck {
		return nil, stacktrace.NewError("<%s> commands have no reply", c.Kind)
	}
	fields := make(map[string]interface{}, len(c.fields)+3)
	for k, v := range c.fields {
		fields[k] = v
	}
	fields["is_blocked"] = blocked
	fields["last_seen"] = lastSeen
	fields["translator_name"] = translatorName
	data, err := json.Marshal(envelope{Type: CheckResponseType, Message: fields})
	if err != nil {
		return nil, stacktrace.Propagate(err, "fail to encode reply")
	}
	return data, nil
}
