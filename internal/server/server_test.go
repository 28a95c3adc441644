package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"CoverLedger/internal/core"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/query"
	"CoverLedger/internal/server"
	"CoverLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeReads struct {
	covers []query.CoverSummary
	owner  common.Address
}

func (f *fakeReads) ListPools(context.Context) ([]query.PoolSummary, error) {
	return []query.PoolSummary{{PoolID: 0, Asset: "USDT"}}, nil
}

func (f *fakeReads) GetPositions(context.Context, common.Address) ([]query.PositionSummary, error) {
	return nil, nil
}

func (f *fakeReads) GetCovers(_ context.Context, owner common.Address, _ bool) ([]query.CoverSummary, error) {
	f.owner = owner
	return f.covers, nil
}

func (f *fakeReads) GetClaims(context.Context, uint64, int, *int64) ([]query.ClaimRecord, error) {
	return nil, errors.New("db down")
}

func (f *fakeReads) GetBalances(context.Context, common.Address) ([]query.BalanceEntry, error) {
	return nil, nil
}

func (f *fakeReads) GetJournalHistory(context.Context, common.Address, int, *int64) ([]query.JournalHistoryEntry, error) {
	return nil, nil
}

func (f *fakeReads) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true}, nil
}

type fakeOperator struct{}

func (fakeOperator) TakeSnapshot(context.Context) (int64, error)       { return 42, nil }
func (fakeOperator) RebuildProjections(context.Context) (int64, error) { return 41, nil }

type harness struct {
	srv    *server.GRPCServer
	health *observability.HealthChecker
	reads  *fakeReads
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c, persistChan, _ := testutil.NewCore(t)
	testutil.RunScenario(t, c, persistChan)

	ctx, cancel := context.WithCancel(context.Background())
	runner := core.NewRunner(c, 16, zerolog.Nop())
	go runner.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-runner.Done()
	})

	ingest := ingestion.NewIngestService(ingestion.NewParser(ingestion.CoreAssets{Runner: runner}), runner)
	reads := &fakeReads{covers: []query.CoverSummary{{CoverID: 0, Asset: "USDT", CoverAmount: "0.1095"}}}
	hc := observability.NewHealthChecker()

	srv, err := server.NewGRPCServer(server.Options{}, server.NewService(ingest, runner, reads, fakeOperator{}), hc, nil)
	require.NoError(t, err)
	return &harness{srv: srv, health: hc, reads: reads}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func command(key string, caller common.Address, kv ...any) map[string]any {
	m := map[string]any{
		"idempotency_key": key,
		"source":          "api",
		"caller":          caller.Hex(),
		"timestamp":       testutil.Start + 30*testutil.Day,
	}
	for i := 0; i < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}

func TestHTTP_SubmitThenLiveViews(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/v1/commands/OpenCover",
		command("cover-api", testutil.Buyer, "pool_id", 0, "cover_amount", "0.005", "premiums", "0.0003"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decode[server.SubmitResponse](t, rec)
	require.Equal(t, int64(len(testutil.Scenario())), receipt.Sequence)
	require.NotNil(t, receipt.CoverID)
	require.Equal(t, uint64(2), *receipt.CoverID)
	require.Len(t, receipt.StateHash, 64)

	rec = h.do(t, "GET", "/v1/covers/2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cover := decode[server.LiveCover](t, rec)
	require.Equal(t, "USDT", cover.Asset)
	require.Equal(t, "0.005", cover.CoverAmount)
	require.Equal(t, testutil.Buyer.Hex(), cover.Owner)
	require.True(t, cover.Active)

	rec = h.do(t, "GET", "/v1/pools/0", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pool := decode[server.LivePool](t, rec)
	require.Equal(t, "USDT", pool.Asset)
	require.Equal(t, int64(testutil.Start+30*testutil.Day), pool.At)

	rec = h.do(t, "GET", "/v1/positions/0", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	position := decode[server.LivePosition](t, rec)
	require.Equal(t, testutil.LP.Hex(), position.Owner)
	require.Equal(t, []uint64{0}, position.PoolIDs)

	rec = h.do(t, "GET", "/v1/pools/0/overlaps", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	overlaps := decode[server.OverlapList](t, rec)
	require.Equal(t, uint64(0), overlaps.PoolID)
}

func TestHTTP_ReadModelRoutes(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "GET", "/v1/accounts/"+testutil.Buyer.Hex()+"/covers?active_only=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	covers := decode[server.CoverList](t, rec)
	require.Len(t, covers.Covers, 1)
	require.Equal(t, testutil.Buyer, h.reads.owner)

	rec = h.do(t, "POST", "/v1/admin/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(42), decode[server.AdminResponse](t, rec).Sequence)

	rec = h.do(t, "GET", "/v1/admin/integrity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decode[query.IntegrityReport](t, rec).IsHealthy)
}

func TestHTTP_ErrorCodes(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown pool", "GET", "/v1/pools/99", nil, http.StatusNotFound},
		{"bad pool id", "GET", "/v1/pools/abc", nil, http.StatusBadRequest},
		{"bad owner", "GET", "/v1/accounts/nobody/covers", nil, http.StatusBadRequest},
		{"bad cursor", "GET", "/v1/pools/0/claims?before=x", nil, http.StatusBadRequest},
		{"read model failure", "GET", "/v1/pools/0/claims", nil, http.StatusInternalServerError},
		{"unknown command", "POST", "/v1/commands/Liquidate", command("x", testutil.Buyer), http.StatusBadRequest},
		{"bad amount", "POST", "/v1/commands/OpenCover",
			command("c", testutil.Buyer, "pool_id", 0, "cover_amount", "-1", "premiums", "1"), http.StatusBadRequest},
		{"not the owner", "POST", "/v1/commands/SetPoolPaused",
			command("p", testutil.Buyer, "pool_id", 0, "paused", true), http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, tc.method, tc.path, tc.body)
			require.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestHTTP_Readiness(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, http.StatusOK, h.do(t, "GET", "/healthz", nil).Code)
	require.Equal(t, http.StatusServiceUnavailable, h.do(t, "GET", "/readyz", nil).Code)

	h.health.SetReady(true)
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/readyz", nil).Code)

	h.health.AddCheck("database", func(context.Context) error { return errors.New("connection refused") })
	rec := h.do(t, "GET", "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestGRPC_JSONCodecAndHealth(t *testing.T) {
	h := newHarness(t)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.srv.ServeGRPC(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var pool server.LivePool
	require.NoError(t, conn.Invoke(ctx, server.FullMethod("GetPool"), &server.PoolRequest{PoolID: 0}, &pool))
	require.Equal(t, "USDT", pool.Asset)

	err = conn.Invoke(ctx, server.FullMethod("GetPool"), &server.PoolRequest{PoolID: 99}, &pool)
	require.Equal(t, codes.NotFound, status.Code(err))

	var resp server.SubmitResponse
	err = conn.Invoke(ctx, server.FullMethod("Submit"), &server.SubmitRequest{}, &resp)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	hc := healthpb.NewHealthClient(conn)
	check, err := hc.Check(ctx, &healthpb.HealthCheckRequest{}, grpc.CallContentSubtype("proto"))
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check.Status)

	h.health.SetReady(true)
	check, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName}, grpc.CallContentSubtype("proto"))
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, check.Status)
}
