package e2e

import (
	"bytes"
	"chat-relay/domain/event"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gookit/color"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

type BaseRelaySuite struct {
	suite.Suite
	Config Config
}

// SetupSuite loads the environment and skips everything when no relay is configured.
func (s *BaseRelaySuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.HTTPAddr == "" {
		s.T().Skip("RELAY_HTTP_ADDR is not set, skipping end-to-end scenarios")
	}
}

func (s *BaseRelaySuite) header(t *testing.T, name string) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	t.Log(header)
}

// GrpcConn initializes a gRPC connection logging every call, with JSON bodies on demand.
func (s *BaseRelaySuite) GrpcConn(t *testing.T, name string, addr string) *grpc.ClientConn {
	s.header(t, name)
	marshaler := protojson.MarshalOptions{
		UseProtoNames:   true,
		Multiline:       true,
		EmitUnpopulated: true,
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			start := time.Now()
			err := invoker(ctx, method, req, reply, cc, opts...)

			logBuilder := strings.Builder{}
			fmt.Fprintf(&logBuilder, "GRPC %s [%s] in %v", method, status.Code(err), time.Since(start))
			if s.Config.DebugJSON {
				fmt.Fprintln(&logBuilder, "\nREQUEST:")
				fmt.Fprintln(&logBuilder, marshaler.Format(req.(proto.Message)))
				if err != nil {
					fmt.Fprintln(&logBuilder, "ERROR:", err)
				} else {
					fmt.Fprintln(&logBuilder, "RESPONSE:")
					fmt.Fprintln(&logBuilder, marshaler.Format(reply.(proto.Message)))
				}
			}
			t.Log(logBuilder.String())
			return err
		}),
	)
	s.Require().NoError(err, "Failed to connect to gRPC server at "+addr)
	return conn
}

// WithHealth provides a health client within a contextual test step.
func (s *BaseRelaySuite) WithHealth(name string, fn func(ctx context.Context, client healthpb.HealthClient)) {
	if s.Config.GrpcAddr == "" {
		s.T().Skip("RELAY_GRPC_ADDR is not set")
	}
	conn := s.GrpcConn(s.T(), name, s.Config.GrpcAddr)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fn(ctx, healthpb.NewHealthClient(conn))
}

// Post sends a JSON body and decodes the answer into target when it is not nil.
func (s *BaseRelaySuite) Post(path string, body any, target any) int {
	s.header(s.T(), "POST "+path)
	raw, err := json.Marshal(body)
	s.Require().NoError(err)
	res, err := http.Post("http://"+s.Config.HTTPAddr+path, "application/json", bytes.NewReader(raw))
	s.Require().NoError(err)
	defer res.Body.Close()
	if target != nil {
		s.Require().NoError(json.NewDecoder(res.Body).Decode(target))
	}
	return res.StatusCode
}

func (s *BaseRelaySuite) Get(path string, target any) int {
	s.header(s.T(), "GET "+path)
	res, err := http.Get("http://" + s.Config.HTTPAddr + path)
	s.Require().NoError(err)
	defer res.Body.Close()
	s.Require().NoError(json.NewDecoder(res.Body).Decode(target))
	return res.StatusCode
}

func (s *BaseRelaySuite) Dial(name string) *websocket.Conn {
	s.header(s.T(), "WS "+name)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Config.HTTPAddr+"/ws", nil)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = conn.Close() })
	return conn
}

// Join binds conn to name and consumes the acknowledgement and the snapshot.
func (s *BaseRelaySuite) Join(conn *websocket.Conn, name string) {
	s.Require().NoError(conn.WriteJSON(map[string]string{"type": "join", "username": name}))
	s.Require().Equal(event.JoinedType, s.Next(conn).Type)
	s.Require().Equal(event.HistoryType, s.Next(conn).Type)
}

func (s *BaseRelaySuite) Next(conn *websocket.Conn) event.Event {
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	var e event.Event
	s.Require().NoError(conn.ReadJSON(&e))
	return e
}
