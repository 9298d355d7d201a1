package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"CTFLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// NewHTTPHandler exposes the ledger service as HTTP/JSON next to the health
// probes. Routes call the service in-process.
func NewHTTPHandler(svc *LedgerService, healthChecker *observability.HealthChecker) http.Handler {
	mux := runtime.NewServeMux()

	mustHandle(mux, "POST", "/v1/commands/{command_type}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, invalidArg("read body: %v", err))
			return
		}
		respond(r.Context(), w, &SubmitCommandRequest{CommandType: p["command_type"], Payload: body}, svc.SubmitCommand)
	})

	mustHandle(mux, "GET", "/v1/holders/{holder}/balances", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		respond(r.Context(), w, &GetBalancesRequest{Holder: p["holder"]}, svc.GetBalances)
	})

	mustHandle(mux, "GET", "/v1/holders/{holder}/journals", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		q := r.URL.Query()
		req := &ListJournalsRequest{Holder: p["holder"], Limit: intParam(q.Get("limit"))}
		if v, ok := int64Param(q.Get("before_sequence")); ok {
			req.BeforeSequence = &v
		}
		respond(r.Context(), w, req, svc.ListJournals)
	})

	mustHandle(mux, "GET", "/v1/conditions", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		q := r.URL.Query()
		respond(r.Context(), w, &ListConditionsRequest{
			Status: q.Get("status"),
			Limit:  intParam(q.Get("limit")),
			After:  q.Get("after"),
		}, svc.ListConditions)
	})

	mustHandle(mux, "GET", "/v1/conditions/{condition_id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		respond(r.Context(), w, &GetConditionRequest{ConditionID: p["condition_id"]}, svc.GetCondition)
	})

	mustHandle(mux, "GET", "/v1/conditions/{condition_id}/fills", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		q := r.URL.Query()
		req := &ListFillsRequest{ConditionID: p["condition_id"], Limit: intParam(q.Get("limit"))}
		if v, err := strconv.ParseUint(q.Get("slot"), 10, 16); err == nil {
			slot := uint16(v)
			req.Slot = &slot
		}
		if v, ok := int64Param(q.Get("before_sequence")); ok {
			req.BeforeSequence = &v
		}
		respond(r.Context(), w, req, svc.ListFills)
	})

	mustHandle(mux, "GET", "/v1/conditions/{condition_id}/books/{slot}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		slot, err := strconv.ParseUint(p["slot"], 10, 16)
		if err != nil {
			writeError(w, invalidArg("invalid slot %q", p["slot"]))
			return
		}
		respond(r.Context(), w, &GetOrderBookRequest{ConditionID: p["condition_id"], Slot: uint16(slot)}, svc.GetOrderBook)
	})

	mustHandle(mux, "GET", "/v1/orders/{order_id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		respond(r.Context(), w, &GetOrderRequest{OrderID: p["order_id"]}, svc.GetOrder)
	})

	mustHandle(mux, "GET", "/v1/makers/{maker}/orders", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		q := r.URL.Query()
		respond(r.Context(), w, &ListOrdersRequest{
			Maker:  p["maker"],
			Status: q.Get("status"),
			Limit:  intParam(q.Get("limit")),
		}, svc.ListOrders)
	})

	// Admin
	mustHandle(mux, "GET", "/v1/admin/integrity", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		respond(r.Context(), w, &Empty{}, svc.VerifyIntegrity)
	})
	mustHandle(mux, "GET", "/v1/admin/log", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		respond(r.Context(), w, &Empty{}, svc.GetCommandLogInfo)
	})
	mustHandle(mux, "POST", "/v1/admin/snapshot", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		respond(r.Context(), w, &Empty{}, svc.TakeSnapshot)
	})
	mustHandle(mux, "POST", "/v1/admin/rebuild", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		respond(r.Context(), w, &Empty{}, svc.RebuildProjections)
	})

	httpMux := http.NewServeMux()
	if healthChecker != nil {
		httpMux.HandleFunc("/healthz", healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux
}

func mustHandle(mux *runtime.ServeMux, method, pattern string, h runtime.HandlerFunc) {
	if err := mux.HandlePath(method, pattern, h); err != nil {
		panic(err)
	}
}

func respond[Req any, Resp any](ctx context.Context, w http.ResponseWriter, req *Req, call func(context.Context, *Req) (Resp, error)) {
	resp, err := call(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	json.NewEncoder(w).Encode(errorBody{Code: st.Code().String(), Message: st.Message()})
}

func intParam(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func int64Param(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	return v, err == nil
}
