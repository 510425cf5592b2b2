package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/ratelimitd/internal/log"
	"github.com/keithlinneman/ratelimitd/internal/xerrors"
)

// Recover turns a handler panic into a logged 500. http.ErrAbortHandler is
// re-panicked so net/http can drop the connection quietly.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				if onPanic != nil {
					onPanic()
				}
				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.Wrap(e, "http handler panic")
				} else {
					err = xerrors.Newf("http handler panic: %v", rec)
				}
				logger.Error(r.Context(), err, "panic serving request",
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"panic_stack", string(debug.Stack()),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = fmt.Fprint(w, `{"error":"internal error"}`)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
