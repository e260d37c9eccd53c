package speaker_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	api "github.com/osrg/gobgp/v3/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limhud/bgp-translator/internal/bgp"
	"github.com/limhud/bgp-translator/internal/errorcode"
	"github.com/limhud/bgp-translator/internal/speaker"
	"github.com/limhud/bgp-translator/internal/speaker/speakertest"
)

func setup(t *testing.T) (*speaker.Client, *speakertest.Server) {
	server := speakertest.NewServer()
	client, conn, err := server.Client(5 * time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		server.Close()
	})
	return client, server
}

func build(t *testing.T, prefix string) *api.Path {
	path, err := bgp.NewBuilder(bgp.DefaultDefaults()).Build(bgp.Request{Prefix: netip.MustParsePrefix(prefix)})
	require.NoError(t, err)
	return path
}

func TestAddAndDeleteGlobal(t *testing.T) {
	ctx := context.Background()
	client, server := setup(t)

	require.NoError(t, client.AddPath(ctx, build(t, "198.51.100.0/24"), bgp.BaseVRF))
	require.NoError(t, client.AddPath(ctx, build(t, "2001:db8::/32"), bgp.BaseVRF))
	assert.Equal(t, []string{"198.51.100.0/24", "2001:db8::/32"}, server.Prefixes(""))

	require.NoError(t, client.DeletePath(ctx, build(t, "198.51.100.0/24"), bgp.BaseVRF))
	assert.Equal(t, []string{"2001:db8::/32"}, server.Prefixes(""))
}

func TestVRFTable(t *testing.T) {
	ctx := context.Background()
	client, server := setup(t)

	require.NoError(t, client.AddPath(ctx, build(t, "203.0.113.0/24"), "customer"))
	assert.Equal(t, []string{"203.0.113.0/24"}, server.Prefixes("customer"))
	assert.Empty(t, server.Prefixes(""))

	prefixes, err := client.ListPrefixes(ctx, "customer")
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")}, prefixes)
}

func TestListPrefixesAllFamilies(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)
	require.NoError(t, client.AddPath(ctx, build(t, "198.51.100.0/24"), bgp.BaseVRF))
	require.NoError(t, client.AddPath(ctx, build(t, "2001:db8::/32"), bgp.BaseVRF))

	prefixes, err := client.ListPrefixes(ctx, bgp.BaseVRF)
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("198.51.100.0/24"),
		netip.MustParsePrefix("2001:db8::/32"),
	}, prefixes)
}

func TestListPrefixesDropsUnparsable(t *testing.T) {
	ctx := context.Background()
	client, server := setup(t)
	server.Inject("v1", api.Family_AFI_IP, "garbage")
	server.Inject("v1", api.Family_AFI_IP, "65000:1:not-a-prefix")
	server.Inject("v1", api.Family_AFI_IP, "65000:1:192.0.2.0/24")
	server.Inject("v1", api.Family_AFI_IP6, "65000:1:2001:db8::/48")

	prefixes, err := client.ListPrefixes(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("192.0.2.0/24"),
		netip.MustParsePrefix("2001:db8::/48"),
	}, prefixes)
}

func TestDeleteAllIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client, server := setup(t)
	require.NoError(t, client.AddPath(ctx, build(t, "192.0.2.0/24"), "v1"))
	require.NoError(t, client.AddPath(ctx, build(t, "2001:db8::/48"), "v1"))
	require.NoError(t, client.AddPath(ctx, build(t, "192.0.2.0/24"), bgp.BaseVRF))
	require.NoError(t, client.AddPath(ctx, build(t, "192.0.2.0/24"), "v2"))

	for i := 0; i < 2; i++ {
		require.NoError(t, client.DeleteAll(ctx, "v1"))
		assert.Empty(t, server.Prefixes("v1"))
	}
	assert.Equal(t, 2, server.Calls("DeletePath"), "one withdrawal per listed path")
	assert.Zero(t, server.Calls("DeletePathAll"))
	assert.Equal(t, []string{"192.0.2.0/24"}, server.Prefixes(""), "other tables are untouched")
	assert.Equal(t, []string{"192.0.2.0/24"}, server.Prefixes("v2"), "other tables are untouched")
}

func TestDeleteAllGlobalKeepsVRFs(t *testing.T) {
	ctx := context.Background()
	client, server := setup(t)
	require.NoError(t, client.AddPath(ctx, build(t, "198.51.100.0/24"), bgp.BaseVRF))
	require.NoError(t, client.AddPath(ctx, build(t, "203.0.113.0/24"), "v1"))

	require.NoError(t, client.DeleteAll(ctx, bgp.BaseVRF))
	assert.Empty(t, server.Prefixes(""))
	assert.Equal(t, []string{"203.0.113.0/24"}, server.Prefixes("v1"))
	assert.Zero(t, server.Calls("DeletePathAll"))
}

func TestDeleteAllError(t *testing.T) {
	ctx := context.Background()
	client, server := setup(t)
	require.NoError(t, client.AddPath(ctx, build(t, "192.0.2.0/24"), "v1"))
	server.FailWith(errors.New("speaker unavailable"))

	err := client.DeleteAll(ctx, "v1")
	require.Error(t, err)
	assert.True(t, errorcode.Is(err, errorcode.EcodeSpeaker))
	server.FailWith(nil)
	assert.Equal(t, []string{"192.0.2.0/24"}, server.Prefixes("v1"))
}

func TestPathlessDeleteFlushesEveryTable(t *testing.T) {
	server := speakertest.NewServer()
	defer server.Close()
	client, conn, err := server.Client(5 * time.Second)
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()
	require.NoError(t, client.AddPath(ctx, build(t, "192.0.2.0/24"), "v1"))
	require.NoError(t, client.AddPath(ctx, build(t, "198.51.100.0/24"), bgp.BaseVRF))

	_, err = api.NewGobgpApiClient(conn).DeletePath(ctx, &api.DeletePathRequest{TableType: api.TableType_VRF, VrfId: "v1"})
	require.NoError(t, err)
	assert.Equal(t, 1, server.Calls("DeletePathAll"))
	assert.Empty(t, server.Prefixes("v1"))
	assert.Empty(t, server.Prefixes(""))
}

func TestErrorsCarrySpeakerCode(t *testing.T) {
	ctx := context.Background()
	client, server := setup(t)
	server.FailWith(errors.New("speaker unavailable"))

	err := client.AddPath(ctx, build(t, "192.0.2.0/24"), bgp.BaseVRF)
	require.Error(t, err)
	assert.True(t, errorcode.Is(err, errorcode.EcodeSpeaker))

	_, err = client.ListPrefixes(ctx, bgp.BaseVRF)
	assert.True(t, errorcode.Is(err, errorcode.EcodeSpeaker))
}

func TestTimeout(t *testing.T) {
	server := speakertest.NewServer()
	defer server.Close()
	client, conn, err := server.Client(time.Nanosecond)
	require.NoError(t, err)
	defer conn.Close()
	assert.Error(t, client.AddPath(context.Background(), build(t, "192.0.2.0/24"), bgp.BaseVRF))
}

func TestCloseWithoutConnection(t *testing.T) {
	client, _ := setup(t)
	assert.NoError(t, client.Close())
}
