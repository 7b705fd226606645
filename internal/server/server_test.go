// Integration tests for the TemplateService gRPC server
package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/RsousaIA/agentewhatsappia-sub001/internal/logger"
	"github.com/RsousaIA/agentewhatsappia-sub001/internal/metrics"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/engine"
)

const bufSize = 1024 * 1024

type testEnv struct {
	server   *Server
	client   *Client
	registry *prometheus.Registry
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	cfg := engine.DefaultConfig()
	cfg.Backend = engine.BackendMemory
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	e, err := engine.Open(cfg, engine.WithRecorder(m))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	log := logger.Nop()
	srv := NewServer(e, m, log)

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(GrpcMetricsInterceptor(m, log)))
	RegisterTemplateServiceServer(grpcServer, srv)
	go grpcServer.Serve(lis)
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testEnv{server: srv, client: NewClient(conn), registry: reg}
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func TestCreateGetRender(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	created, err := env.client.Create(ctx, mustStruct(t, map[string]any{
		"name":     "perfil",
		"content":  "Olá {{nome}}, sua idade é {{idade}}",
		"category": "cadastro",
	}))
	require.NoError(t, err)
	id := str(created, "id")
	require.NotEmpty(t, id)
	assert.Equal(t, 1.0, created.GetFields()["version"].GetNumberValue())
	assert.Equal(t, []any{"nome", "idade"}, created.GetFields()["variables"].GetListValue().AsSlice())

	got, err := env.client.Get(ctx, mustStruct(t, map[string]any{"id": id}))
	require.NoError(t, err)
	assert.Equal(t, "perfil", str(got, "name"))

	rendered, err := env.client.Render(ctx, mustStruct(t, map[string]any{
		"id":       id,
		"bindings": map[string]any{"nome": "João", "idade": 25},
	}))
	require.NoError(t, err)
	assert.Equal(t, "Olá João, sua idade é 25", str(rendered, "output"))
}

func TestRenderMissingVariablesDetails(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	created, err := env.client.Create(ctx, mustStruct(t, map[string]any{
		"name":    "perfil",
		"content": "Olá {{nome}}, sua idade é {{idade}}",
	}))
	require.NoError(t, err)

	_, err = env.client.Render(ctx, mustStruct(t, map[string]any{
		"id":       str(created, "id"),
		"bindings": map[string]any{"nome": "João"},
	}))
	st := status.Convert(err)
	require.Equal(t, codes.InvalidArgument, st.Code())

	var fields []string
	for _, d := range st.Details() {
		if br, ok := d.(*errdetails.BadRequest); ok {
			for _, v := range br.GetFieldViolations() {
				fields = append(fields, v.GetField())
			}
		}
	}
	assert.Equal(t, []string{"idade"}, fields)
}

func TestErrorCodes(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	_, err := env.client.Get(ctx, mustStruct(t, map[string]any{"id": "ausente"}))
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = env.client.Create(ctx, mustStruct(t, map[string]any{"content": "sem nome"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	req := mustStruct(t, map[string]any{"name": "a", "content": "igual"})
	_, err = env.client.Create(ctx, req)
	require.NoError(t, err)
	_, err = env.client.Create(ctx, req)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = env.client.Create(ctx, mustStruct(t, map[string]any{"name": 5, "content": "x"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = env.client.Delete(ctx, mustStruct(t, map[string]any{}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = env.client.Update(ctx, mustStruct(t, map[string]any{"id": "x"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestUpdateListDeleteHistory(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	a, err := env.client.Create(ctx, mustStruct(t, map[string]any{"name": "Aviso A", "content": "A", "category": "x"}))
	require.NoError(t, err)
	_, err = env.client.Create(ctx, mustStruct(t, map[string]any{"name": "Outro", "content": "B", "category": "y"}))
	require.NoError(t, err)

	updated, err := env.client.Update(ctx, mustStruct(t, map[string]any{"id": str(a, "id"), "name": "Aviso A2"}))
	require.NoError(t, err)
	assert.Equal(t, 2.0, updated.GetFields()["version"].GetNumberValue())

	list, err := env.client.List(ctx, mustStruct(t, map[string]any{"search": "aviso"}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, list.GetFields()["total"].GetNumberValue())
	items := list.GetFields()["templates"].GetListValue().GetValues()
	require.Len(t, items, 1)
	assert.Equal(t, "Aviso A2", items[0].GetStructValue().GetFields()["name"].GetStringValue())

	history, err := env.client.History(ctx, mustStruct(t, map[string]any{"id": str(a, "id")}))
	require.NoError(t, err)
	assert.Len(t, history.GetFields()["snapshots"].GetListValue().GetValues(), 2)

	_, err = env.client.Delete(ctx, mustStruct(t, map[string]any{"id": str(a, "id")}))
	require.NoError(t, err)
	list, err = env.client.List(ctx, mustStruct(t, map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, list.GetFields()["total"].GetNumberValue())
}

func TestLoadMarksReady(t *testing.T) {
	env := setupTestServer(t)
	assert.False(t, env.server.Ready())

	resp, err := env.client.Load(context.Background(), mustStruct(t, map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, 0.0, resp.GetFields()["loaded"].GetNumberValue())
	assert.True(t, env.server.Ready())
}

func TestRequestIDPropagation(t *testing.T) {
	env := setupTestServer(t)

	var header metadata.MD
	ctx := metadata.AppendToOutgoingContext(context.Background(), RequestIDKey, "req-42")
	_, err := env.client.List(ctx, mustStruct(t, map[string]any{}), grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"req-42"}, header.Get(RequestIDKey))

	header = nil
	_, err = env.client.List(context.Background(), mustStruct(t, map[string]any{}), grpc.Header(&header))
	require.NoError(t, err)
	require.Len(t, header.Get(RequestIDKey), 1)
	assert.NotEmpty(t, header.Get(RequestIDKey)[0])
}

func TestObservabilityRoutes(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	_, err := env.client.Create(ctx, mustStruct(t, map[string]any{"name": "n", "content": "c"}))
	require.NoError(t, err)

	ts := httptest.NewServer(NewObservabilityRouter(env.registry, env.server))
	defer ts.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, _ := get("/health")
	assert.Equal(t, http.StatusOK, code)

	code, _ = get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	_, err = env.server.LoadCatalog(ctx)
	require.NoError(t, err)
	code, _ = get("/ready")
	assert.Equal(t, http.StatusOK, code)

	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "templated_grpc_requests_total")
	assert.Contains(t, body, "templated_store_operations_total")

	code, body = get("/stats")
	assert.Equal(t, http.StatusOK, code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Equal(t, 1.0, stats["templates"])
}

func TestNewServerFallsBackToGlobalLogger(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.Backend = engine.BackendMemory
	e, err := engine.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	srv := NewServer(e, nil, nil)
	assert.Same(t, logger.GetGlobalLogger(), srv.log)

	_, err = srv.LoadCatalog(context.Background())
	require.NoError(t, err)
	assert.True(t, srv.Ready())
}
