package services

import (
	"database/sql"
	"log"
	"net/http"
	"strings"

	"github.com/parlorbooks/backend/internal/middleware"
	"github.com/parlorbooks/backend/internal/models"
)

// UserService manages operator accounts. Accounts are soft-deleted so
// operation logs keep a name to point at.
type UserService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewUserService(db *sql.DB) *UserService {
	return &UserService{db: db, validator: NewValidationHelper()}
}

// ListUsers returns live accounts, optionally filtered by a username
// substring (?search=).
func (s *UserService) ListUsers(w http.ResponseWriter, r *http.Request) {
	search := strings.TrimSpace(r.URL.Query().Get("search"))

	query := `
		SELECT id, username, role, last_login, created_at, updated_at
		FROM users
		WHERE is_deleted = FALSE`
	var args []interface{}
	if search != "" {
		args = append(args, "%"+strings.ToLower(search)+"%")
		query += ` AND username ILIKE $1`
	}
	query += ` ORDER BY username ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		WriteError(w, Internalf(err, "failed to list users"))
		return
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Role, &u.LastLogin, &u.CreatedAt, &u.UpdatedAt); err != nil {
			WriteError(w, Internalf(err, "failed to scan user"))
			return
		}
		users = append(users, u)
	}
	WriteJSON(w, http.StatusOK, users)
}

func (s *UserService) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "userID")
	if err != nil {
		WriteError(w, err)
		return
	}

	var u models.User
	err = s.db.QueryRow(`
		SELECT id, username, role, last_login, created_at, updated_at
		FROM users
		WHERE id = $1 AND is_deleted = FALSE`, id).
		Scan(&u.ID, &u.Username, &u.Role, &u.LastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		WriteError(w, NotFoundf("user %d not found", id))
		return
	}
	if err != nil {
		WriteError(w, Internalf(err, "failed to load user %d", id))
		return
	}
	WriteJSON(w, http.StatusOK, u)
}

type updateUserRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Password string `json:"password" validate:"omitempty,min=6"`
	Role     string `json:"role" validate:"required,oneof=admin operator"`
}

// UpdateUser changes an account's username, role, and optionally its
// password. A blank password leaves the current one alone.
func (s *UserService) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "userID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req updateUserRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	username := strings.ToLower(strings.TrimSpace(req.Username))
	var taken bool
	err = s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1 AND id <> $2 AND is_deleted = FALSE)`,
		username, id).Scan(&taken)
	if err != nil {
		WriteError(w, Internalf(err, "failed to check username"))
		return
	}
	if taken {
		WriteError(w, Conflictf("username %q already exists", username))
		return
	}

	var result sql.Result
	if req.Password != "" {
		hashed, err := hashPassword(req.Password)
		if err != nil {
			WriteError(w, Internalf(err, "failed to hash password"))
			return
		}
		result, err = s.db.Exec(`
			UPDATE users
			SET username = $1, role = $2, password_hash = $3, updated_at = NOW()
			WHERE id = $4 AND is_deleted = FALSE`,
			username, req.Role, hashed, id)
		if err != nil {
			WriteError(w, Internalf(err, "failed to update user %d", id))
			return
		}
	} else {
		result, err = s.db.Exec(`
			UPDATE users
			SET username = $1, role = $2, updated_at = NOW()
			WHERE id = $3 AND is_deleted = FALSE`,
			username, req.Role, id)
		if err != nil {
			WriteError(w, Internalf(err, "failed to update user %d", id))
			return
		}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("user %d not found", id))
		return
	}

	log.Printf("[USER] Updated user %d", id)
	WriteJSON(w, http.StatusOK, map[string]string{"message": "user updated"})
}

// DeleteUser soft-deletes an account. Operators cannot delete the
// account they are logged in with.
func (s *UserService) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "userID")
	if err != nil {
		WriteError(w, err)
		return
	}
	if callerID, ok := r.Context().Value(middleware.ContextUserID).(int); ok && callerID == id {
		WriteError(w, InvalidStatef("cannot delete the account you are logged in with"))
		return
	}

	result, err := s.db.Exec(`
		UPDATE users SET is_deleted = TRUE, updated_at = NOW()
		WHERE id = $1 AND is_deleted = FALSE`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to delete user %d", id))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("user %d not found", id))
		return
	}

	log.Printf("[USER] Deleted user %d", id)
	WriteJSON(w, http.StatusOK, map[string]string{"message": "user deleted"})
}

type batchDeleteUsersRequest struct {
	IDs []int `json:"ids" validate:"required,min=1"`
}

// BatchDeleteUsers soft-deletes several accounts at once, skipping the
// caller's own.
func (s *UserService) BatchDeleteUsers(w http.ResponseWriter, r *http.Request) {
	var req batchDeleteUsersRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	callerID, _ := r.Context().Value(middleware.ContextUserID).(int)
	deleted := 0
	for _, id := range req.IDs {
		if id == callerID {
			continue
		}
		result, err := s.db.Exec(`
			UPDATE users SET is_deleted = TRUE, updated_at = NOW()
			WHERE id = $1 AND is_deleted = FALSE`, id)
		if err != nil {
			WriteError(w, Internalf(err, "failed to delete user %d", id))
			return
		}
		if n, _ := result.RowsAffected(); n > 0 {
			deleted++
		}
	}

	log.Printf("[USER] Batch-deleted %d users", deleted)
	WriteJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}
