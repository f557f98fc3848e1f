package tracing

import (
	"fmt"
	"log"
	"net/http"
)

// Middleware adapts a ServerHandler to a net/http middleware: each request
// is wrapped into the capability views, HandleReceive runs before the inner
// handler and HandleSend after it with the captured status code. A panicking
// inner handler ends the span in its error state before the panic resumes.
// The native trace context is placed on the request context so nested code
// can find the active span.
func Middleware(handler *ServerHandler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := WrapRequest(r)
			span, err := handler.HandleReceive(req)
			if err != nil {
				// tracing must never alter the outcome of the traced
				// operation, so a request we failed to trace is still served.
				log.Printf("tracing: handleReceive: %v", err)
				next.ServeHTTP(w, r)
				return
			}
			if ctx := handler.ServerContext(req); ctx != nil {
				r = r.WithContext(ctx)
			}
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if rec := recover(); rec != nil {
					handler.HandleSend(WrapResponse(
						req, http.StatusInternalServerError,
						fmt.Errorf("handler panic: %v", rec)), span)
					panic(rec)
				}
				handler.HandleSend(WrapResponse(req, sw.status, nil), span)
			}()
			next.ServeHTTP(sw, r)
		})
	}
}

// statusWriter captures the status code written by the inner handler.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
