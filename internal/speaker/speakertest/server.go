// Package speakertest runs an in-memory gobgp API server for tests.
package speakertest

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	api "github.com/osrg/gobgp/v3/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/limhud/bgp-translator/internal/speaker"
)

// RD is prepended to the destinations listed from VRF tables, as gobgp does.
const RD = "65000:100:"

type destination struct {
	afi api.Family_Afi
	raw string
}

// Server records the paths it receives. The global table is keyed "".
type Server struct {
	api.UnimplementedGobgpApiServer

	mutex    sync.Mutex
	tables   map[string]map[string]*api.Path
	extra    map[string][]destination
	calls    map[string]int
	failWith error

	listener *bufconn.Listener
	server   *grpc.Server
}

// NewServer starts a Server on an in-memory listener.
func NewServer() *Server {
	s := &Server{
		tables:   map[string]map[string]*api.Path{},
		extra:    map[string][]destination{},
		calls:    map[string]int{},
		listener: bufconn.Listen(1 << 20),
		server:   grpc.NewServer(),
	}
	api.RegisterGobgpApiServer(s.server, s)
	go s.server.Serve(s.listener) //nolint:errcheck
	return s
}

// Client returns a speaker client connected to s.
func (s *Server) Client(timeout time.Duration) (*speaker.Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return s.listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, nil, err
	}
	return speaker.New(api.NewGobgpApiClient(conn), timeout), conn, nil
}

// Close stops the server.
func (s *Server) Close() {
	s.server.Stop()
}

// FailWith makes every following call fail with err, nil restores normal operation.
func (s *Server) FailWith(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.failWith = err
}

// Inject adds a raw destination listed from the table of vrf, for the given family.
func (s *Server) Inject(vrf string, afi api.Family_Afi, raw string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.extra[vrf] = append(s.extra[vrf], destination{afi: afi, raw: raw})
}

// Calls returns how many times method was called.
func (s *Server) Calls(method string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.calls[method]
}

// Path returns the path stored for prefix in vrf, nil when absent.
func (s *Server) Path(vrf string, prefix string) *api.Path {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.tables[vrf][prefix]
}

// Prefixes returns the sorted prefixes held in the table of vrf.
func (s *Server) Prefixes(vrf string) []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	prefixes := []string{}
	for p := range s.tables[vrf] {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	return prefixes
}

func (s *Server) enter(method string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.calls[method]++
	if s.failWith != nil {
		return status.Error(codes.Unavailable, s.failWith.Error())
	}
	return nil
}

func tableName(tableType api.TableType, vrf string) (string, error) {
	switch tableType {
	case api.TableType_GLOBAL:
		return "", nil
	case api.TableType_VRF:
		if vrf == "" {
			return "", status.Error(codes.InvalidArgument, "missing vrf name")
		}
		return vrf, nil
	}
	return "", status.Errorf(codes.InvalidArgument, "unsupported table type %s", tableType)
}

func nlriOf(path *api.Path) (string, error) {
	if path == nil || path.Nlri == nil {
		return "", status.Error(codes.InvalidArgument, "missing nlri")
	}
	prefix := new(api.IPAddressPrefix)
	if err := path.Nlri.UnmarshalTo(prefix); err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}
	return fmt.Sprintf("%s/%d", prefix.Prefix, prefix.PrefixLen), nil
}

func (s *Server) AddPath(_ context.Context, r *api.AddPathRequest) (*api.AddPathResponse, error) {
	if err := s.enter("AddPath"); err != nil {
		return nil, err
	}
	name, err := tableName(r.TableType, r.VrfId)
	if err != nil {
		return nil, err
	}
	prefix, err := nlriOf(r.Path)
	if err != nil {
		return nil, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.tables[name] == nil {
		s.tables[name] = map[string]*api.Path{}
	}
	s.tables[name][prefix] = r.Path
	return &api.AddPathResponse{}, nil
}

// DeletePath without a path flushes the local paths of every table, whatever
// the table type or VRF of the request, as gobgp does. Such requests are also
// counted as "DeletePathAll".
func (s *Server) DeletePath(_ context.Context, r *api.DeletePathRequest) (*emptypb.Empty, error) {
	if err := s.enter("DeletePath"); err != nil {
		return nil, err
	}
	name, err := tableName(r.TableType, r.VrfId)
	if err != nil {
		return nil, err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if r.Path == nil && len(r.Uuid) == 0 {
		s.calls["DeletePathAll"]++
		s.tables = map[string]map[string]*api.Path{}
		return &emptypb.Empty{}, nil
	}
	prefix, err := nlriOf(r.Path)
	if err != nil {
		return nil, err
	}
	delete(s.tables[name], prefix)
	return &emptypb.Empty{}, nil
}

func (s *Server) ListPath(r *api.ListPathRequest, stream api.GobgpApi_ListPathServer) error {
	if err := s.enter("ListPath"); err != nil {
		return err
	}
	name, err := tableName(r.TableType, r.Name)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	var destinations []*api.Destination
	for p, path := range s.tables[name] {
		prefix := netip.MustParsePrefix(p)
		if (prefix.Addr().Is4() && r.Family.GetAfi() != api.Family_AFI_IP) ||
			(prefix.Addr().Is6() && r.Family.GetAfi() != api.Family_AFI_IP6) {
			continue
		}
		if name != "" {
			p = RD + p
		}
		destinations = append(destinations, &api.Destination{Prefix: p, Paths: []*api.Path{path}})
	}
	for _, d := range s.extra[name] {
		if d.afi == r.Family.GetAfi() {
			destinations = append(destinations, &api.Destination{Prefix: d.raw})
		}
	}
	s.mutex.Unlock()
	sort.Slice(destinations, func(i, j int) bool { return destinations[i].Prefix < destinations[j].Prefix })
	for _, destination := range destinations {
		if err := stream.Send(&api.ListPathResponse{Destination: destination}); err != nil {
			return err
		}
	}
	return nil
}
