package services

import (
	"database/sql"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/parlorbooks/backend/internal/models"
)

// OperationLogService exposes the audit trail the middleware writes.
type OperationLogService struct {
	db *sql.DB
}

func NewOperationLogService(db *sql.DB) *OperationLogService {
	return &OperationLogService{db: db}
}

// ListOperationLogs returns audit entries newest first. Query params:
// username, start, end (RFC 3339 or YYYY-MM-DD), page, page_size.
func (s *OperationLogService) ListOperationLogs(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	query := `
		SELECT id, request_id, username, method, path, status_code, duration_ms, created_at
		FROM operation_logs
		WHERE created_at >= $1 AND created_at < $2`
	args := []interface{}{from, to}
	if username := strings.TrimSpace(r.URL.Query().Get("username")); username != "" {
		args = append(args, strings.ToLower(username))
		query += ` AND username = $3`
	}
	query += ` ORDER BY id DESC LIMIT ` + strconv.Itoa(pageSize) + ` OFFSET ` + strconv.Itoa((page-1)*pageSize)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		WriteError(w, Internalf(err, "failed to list operation logs"))
		return
	}
	defer rows.Close()

	logs := []models.OperationLog{}
	for rows.Next() {
		var l models.OperationLog
		if err := rows.Scan(&l.ID, &l.RequestID, &l.Username, &l.Method, &l.Path, &l.StatusCode, &l.DurationMS, &l.CreatedAt); err != nil {
			WriteError(w, Internalf(err, "failed to scan operation log"))
			return
		}
		logs = append(logs, l)
	}
	WriteJSON(w, http.StatusOK, logs)
}

func (s *OperationLogService) GetOperationLog(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "logID")
	if err != nil {
		WriteError(w, err)
		return
	}

	var l models.OperationLog
	err = s.db.QueryRow(`
		SELECT id, request_id, username, method, path, status_code, duration_ms, created_at
		FROM operation_logs
		WHERE id = $1`, id).
		Scan(&l.ID, &l.RequestID, &l.Username, &l.Method, &l.Path, &l.StatusCode, &l.DurationMS, &l.CreatedAt)
	if err == sql.ErrNoRows {
		WriteError(w, NotFoundf("operation log %d not found", id))
		return
	}
	if err != nil {
		WriteError(w, Internalf(err, "failed to load operation log %d", id))
		return
	}
	WriteJSON(w, http.StatusOK, l)
}

func (s *OperationLogService) DeleteOperationLog(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "logID")
	if err != nil {
		WriteError(w, err)
		return
	}

	result, err := s.db.Exec(`DELETE FROM operation_logs WHERE id = $1`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to delete operation log %d", id))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("operation log %d not found", id))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "operation log deleted"})
}

// ClearOperationLogs drops entries older than ?days= days (default 30,
// capped to a year).
func (s *OperationLogService) ClearOperationLogs(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 365 {
			WriteError(w, Validationf("days must be between 1 and 365"))
			return
		}
		days = n
	}

	result, err := s.db.Exec(`DELETE FROM operation_logs WHERE created_at < NOW() - make_interval(days => $1)`, days)
	if err != nil {
		WriteError(w, Internalf(err, "failed to clear operation logs"))
		return
	}
	removed, _ := result.RowsAffected()

	log.Printf("[AUDIT] Cleared %d operation logs older than %d days", removed, days)
	WriteJSON(w, http.StatusOK, map[string]int64{"deleted": removed})
}
