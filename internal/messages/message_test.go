package messages

import (
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAdd(t *testing.T) {
	cmd, err := Parse([]byte(`{"type":"translator_add","message":{"route":"198.51.100.0/24","vrf":"base","asn":65001,"community":100}}`))
	require.NoError(t, err)
	assert.Equal(t, KindAdd, cmd.Kind)
	assert.Equal(t, netip.MustParsePrefix("198.51.100.0/24"), cmd.Route)
	assert.Equal(t, "base", cmd.VRF)
	assert.Equal(t, json.Number("65001"), cmd.ASN)
	assert.Equal(t, json.Number("100"), cmd.Community)
	assert.False(t, cmd.NextHop.IsValid())
}

func TestParseDefaults(t *testing.T) {
	cmd, err := Parse([]byte(`{"type":"translator_remove","message":{"route":"2001:db8::1"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindRemove, cmd.Kind)
	assert.Equal(t, "base", cmd.VRF)
	assert.Equal(t, netip.MustParsePrefix("2001:db8::1/128"), cmd.Route)
	assert.Nil(t, cmd.ASN)
	assert.Nil(t, cmd.Community)

	cmd, err = Parse([]byte(`{"type":"translator_check","message":{"route":"192.0.2.1/32","vrf_id":"legacy"}}`))
	require.NoError(t, err)
	assert.Equal(t, "legacy", cmd.VRF)
}

func TestParseNextHop(t *testing.T) {
	cmd, err := Parse([]byte(`{"type":"translator_add","message":{"route":"192.0.2.0/24","next_hop":"192.0.2.254"}}`))
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.0.2.254"), cmd.NextHop)
	assert.Equal(t, netip.MustParseAddr("192.0.2.254"), cmd.Request().NextHop)

	_, err = Parse([]byte(`{"type":"translator_add","message":{"route":"192.0.2.0/24","next_hop":"nope"}}`))
	assert.True(t, IsMessageError(err))
}

func TestParseRemoveAllWithoutRoute(t *testing.T) {
	cmd, err := Parse([]byte(`{"type":"translator_remove_all","message":{"vrf":"v1"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindRemoveAll, cmd.Kind)
	assert.Equal(t, "v1", cmd.VRF)
	assert.False(t, cmd.Route.IsValid())

	cmd, err = Parse([]byte(`{"type":"translator_remove_all"}`))
	require.NoError(t, err)
	assert.Equal(t, "base", cmd.VRF)
}

func TestParseErrors(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"type":"translator_nuke","message":{"route":"192.0.2.0/24"}}`,
		`{"message":{"route":"192.0.2.0/24"}}`,
		`{"type":"translator_add","message":{}}`,
		`{"type":"translator_check","message":{"vrf":"base"}}`,
		`{"type":"translator_remove","message":{"route":"192.0.2.0/33"}}`,
		`{"type":"translator_add","message":{"route":"not-an-ip"}}`,
		`{"type":"translator_add","message":{"route":42}}`,
		`{"type":"translator_add","message":{"route":"192.0.2.0/24","vrf":7}}`,
	} {
		_, err := Parse([]byte(raw))
		require.Error(t, err, raw)
		assert.True(t, IsMessageError(err), raw)
	}
}

func TestKind(t *testing.T) {
	for _, k := range []Kind{KindAdd, KindRemove, KindRemoveAll, KindCheck} {
		parsed, ok := ParseKind(k.String())
		assert.True(t, ok)
		assert.Equal(t, k, parsed)
	}
	_, ok := ParseKind("translator_check_resp")
	assert.False(t, ok)
}

func TestReply(t *testing.T) {
	cmd, err := Parse([]byte(`{"type":"translator_check","message":{"route":"198.51.100.5/32","vrf":"base"}}`))
	require.NoError(t, err)
	data, err := cmd.Reply(true, 42, "translator-1")
	require.NoError(t, err)

	var reply struct {
		Type    string `json:"type"`
		Message struct {
			Route          string `json:"route"`
			VRF            string `json:"vrf"`
			IsBlocked      bool   `json:"is_blocked"`
			LastSeen       int64  `json:"last_seen"`
			TranslatorName string `json:"translator_name"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, "translator_check_resp", reply.Type)
	assert.Equal(t, "198.51.100.5/32", reply.Message.Route)
	assert.Equal(t, "base", reply.Message.VRF)
	assert.True(t, reply.Message.IsBlocked)
	assert.Equal(t, int64(42), reply.Message.LastSeen)
	assert.Equal(t, "translator-1", reply.Message.TranslatorName)

	add, err := Parse([]byte(`{"type":"translator_add","message":{"route":"198.51.100.0/24"}}`))
	require.NoError(t, err)
	_, err = add.Reply(true, 0, "x")
	assert.Error(t, err)
}
