package protocol

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/hostgate/pkg/ratelimit"
)

// HTTPHandler serves POST /rpc with a single JSON-RPC message per request
// body. The caller identity is the remote IP. Notifications get 204.
func (h *Handler) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(h.maxLine)))
		if err != nil {
			var tooLarge *http.MaxBytesError
			status := http.StatusBadRequest
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			h.counters.ParseError()
			writeRPC(w, status, encodeNullIDError(jsonrpc.CodeParseError, "parse error"))
			return
		}
		if len(bytes.TrimSpace(body)) == 0 {
			h.counters.ParseError()
			writeRPC(w, http.StatusBadRequest, encodeNullIDError(jsonrpc.CodeParseError, "parse error: empty body"))
			return
		}
		ctx := WithCaller(r.Context(), ratelimit.RemoteIP(r))
		resp := h.Process(ctx, body)
		if resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeRPC(w, http.StatusOK, resp)
	})
	return otelhttp.NewHandler(mux, "hostgate.rpc")
}

func writeRPC(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
