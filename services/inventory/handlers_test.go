package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/matheusmosca/mxshop-fulfillment/internal/rpc"
)

func newInventoryConn(t *testing.T, uc *StockUseCase) *rpc.InventoryClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	rpc.RegisterInventoryServer(srv, NewInventoryServer(uc, zap.NewNop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := rpc.Dial("passthrough:///bufnet", nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return rpc.NewInventoryClient(conn)
}

func TestInventoryServer_Sell(t *testing.T) {
	testCases := []struct {
		name     string
		goods    []rpc.GoodsInvInfo
		wantCode codes.Code
		wantLeft int32
	}{
		{name: "success: reserved", goods: []rpc.GoodsInvInfo{{GoodsID: 1, Num: 4}}, wantCode: codes.OK, wantLeft: 6},
		{name: "error: shortage is resource exhausted", goods: []rpc.GoodsInvInfo{{GoodsID: 1, Num: 11}}, wantCode: codes.ResourceExhausted, wantLeft: 10},
		{name: "error: unknown goods is not found", goods: []rpc.GoodsInvInfo{{GoodsID: 5, Num: 1}}, wantCode: codes.NotFound, wantLeft: 10},
		{name: "error: empty request is invalid", wantCode: codes.InvalidArgument, wantLeft: 10},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			repo := newMemRepository(map[int32]int32{1: 10})
			client := newInventoryConn(t, newTestUseCase(t, repo, ModeLock))

			// Act
			_, err := client.Sell(context.Background(), &rpc.SellInfo{OrderSn: "sn-1", GoodsInfo: tc.goods})

			// Assert
			assert.Equal(t, tc.wantCode, status.Code(err))
			assert.Equal(t, tc.wantLeft, repo.quantity(1))
		})
	}
}

func TestInventoryServer_RebackAndDetail(t *testing.T) {
	repo := newMemRepository(map[int32]int32{1: 10, 2: 3})
	client := newInventoryConn(t, newTestUseCase(t, repo, ModeLock))
	ctx := context.Background()

	_, err := client.Sell(ctx, &rpc.SellInfo{OrderSn: "sn-1", GoodsInfo: []rpc.GoodsInvInfo{{GoodsID: 1, Num: 2}}})
	require.NoError(t, err)
	_, err = client.Reback(ctx, &rpc.SellInfo{OrderSn: "sn-1"})
	require.NoError(t, err)

	detail, err := client.InvDetail(ctx, &rpc.GoodsInvInfo{GoodsID: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(10), detail.Num)

	_, err = client.SetInv(ctx, &rpc.GoodsInvInfo{GoodsID: 9, Num: 50})
	require.NoError(t, err)

	stream, err := client.BatchInvDetail(ctx, &rpc.BatchGoodsIDInfo{ID: []int32{9, 2}})
	require.NoError(t, err)
	var got []rpc.GoodsInvInfo
	for {
		item, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, *item)
	}
	assert.Equal(t, []rpc.GoodsInvInfo{{GoodsID: 9, Num: 50}, {GoodsID: 2, Num: 3}}, got)
}

func newTestRouter(t *testing.T, uc *StockUseCase) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewInventoryHandler(uc, noop.NewTracerProvider().Tracer("test"), zap.NewNop())
	r := gin.New()
	r.GET("/api/inventory/:goodsId", h.GetStock)
	r.PUT("/api/inventory/:goodsId", h.SetStock)
	r.POST("/api/inventory/locks/reset", h.ResetLocks)
	return r
}

func TestInventoryHandler(t *testing.T) {
	testCases := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{name: "success: get stock", method: http.MethodGet, path: "/api/inventory/1", wantStatus: http.StatusOK, wantBody: `"num":10`},
		{name: "error: unknown goods", method: http.MethodGet, path: "/api/inventory/2", wantStatus: http.StatusNotFound},
		{name: "error: bad goods id", method: http.MethodGet, path: "/api/inventory/abc", wantStatus: http.StatusBadRequest},
		{name: "success: set stock", method: http.MethodPut, path: "/api/inventory/3", body: `{"num":7}`, wantStatus: http.StatusOK, wantBody: `"num":7`},
		{name: "success: set stock to zero", method: http.MethodPut, path: "/api/inventory/1", body: `{"num":0}`, wantStatus: http.StatusOK},
		{name: "error: negative stock", method: http.MethodPut, path: "/api/inventory/1", body: `{"num":-1}`, wantStatus: http.StatusBadRequest},
		{name: "error: missing num", method: http.MethodPut, path: "/api/inventory/1", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "success: reset every lock", method: http.MethodPost, path: "/api/inventory/locks/reset", wantStatus: http.StatusOK, wantBody: `"reset":0`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			repo := newMemRepository(map[int32]int32{1: 10})
			router := newTestRouter(t, newTestUseCase(t, repo, ModeLock))
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			if tc.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			w := httptest.NewRecorder()

			// Act
			router.ServeHTTP(w, req)

			// Assert
			assert.Equal(t, tc.wantStatus, w.Code, w.Body.String())
			if tc.wantBody != "" {
				assert.Contains(t, w.Body.String(), tc.wantBody)
			}
			if tc.wantStatus >= 400 {
				var body map[string]any
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}
