package middleware

import (
	"database/sql"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// OperationLog records every mutating request into operation_logs.
// Reads are not logged, they carry no audit value here.
func OperationLog(db *sql.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			requestID := uuid.NewString()
			w.Header().Set("X-Request-ID", requestID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			duration := time.Since(start)

			username, _ := r.Context().Value(ContextUsername).(string)

			_, err := db.Exec(`
				INSERT INTO operation_logs (request_id, username, method, path, status_code, duration_ms)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				requestID, username, r.Method, r.URL.Path, rec.status, duration.Milliseconds())
			if err != nil {
				log.Printf("[AUDIT] Failed to record operation log: %v", err)
			}
		})
	}
}
