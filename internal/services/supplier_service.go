package services

import (
	"database/sql"
	"log"
	"net/http"
	"strings"

	"github.com/parlorbooks/backend/internal/models"
)

// SupplierService manages the vendors purchases restock from.
type SupplierService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewSupplierService(db *sql.DB) *SupplierService {
	return &SupplierService{db: db, validator: NewValidationHelper()}
}

type supplierRequest struct {
	Name    string `json:"name" validate:"required,max=100"`
	Contact string `json:"contact" validate:"max=50"`
	Phone   string `json:"phone" validate:"max=20"`
	Address string `json:"address" validate:"max=200"`
	Notes   string `json:"notes"`
}

func (s *SupplierService) CreateSupplier(w http.ResponseWriter, r *http.Request) {
	var req supplierRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		WriteError(w, Validationf("name must not be blank"))
		return
	}

	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM suppliers WHERE name = $1)`, name).Scan(&exists)
	if err != nil {
		WriteError(w, Internalf(err, "failed to check supplier name"))
		return
	}
	if exists {
		WriteError(w, Conflictf("supplier %q already exists", name))
		return
	}

	sup := models.Supplier{
		Name:     name,
		Contact:  req.Contact,
		Phone:    req.Phone,
		Address:  req.Address,
		Notes:    req.Notes,
		IsActive: true,
	}
	err = s.db.QueryRow(`
		INSERT INTO suppliers (name, contact, phone, address, notes, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		name, req.Contact, req.Phone, req.Address, req.Notes).Scan(&sup.ID, &sup.CreatedAt, &sup.UpdatedAt)
	if err != nil {
		WriteError(w, Internalf(err, "failed to create supplier"))
		return
	}

	log.Printf("[SUPPLIER] Created supplier %d (%s)", sup.ID, name)
	WriteJSON(w, http.StatusCreated, sup)
}

// ListSuppliers returns suppliers, optionally filtered by a substring
// match across name, contact and phone (?search=) and by activity
// (?active=true|false).
func (s *SupplierService) ListSuppliers(w http.ResponseWriter, r *http.Request) {
	search := strings.TrimSpace(r.URL.Query().Get("search"))
	active := r.URL.Query().Get("active")

	query := `
		SELECT id, name, contact, phone, address, notes, is_active, created_at, updated_at
		FROM suppliers`
	var clauses []string
	var args []interface{}
	if search != "" {
		args = append(args, "%"+search+"%")
		clauses = append(clauses, `(name ILIKE $1 OR contact ILIKE $1 OR phone ILIKE $1)`)
	}
	if active == "true" || active == "false" {
		clauses = append(clauses, `is_active = `+strings.ToUpper(active))
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		WriteError(w, Internalf(err, "failed to list suppliers"))
		return
	}
	defer rows.Close()

	suppliers := []models.Supplier{}
	for rows.Next() {
		var sup models.Supplier
		if err := rows.Scan(&sup.ID, &sup.Name, &sup.Contact, &sup.Phone, &sup.Address, &sup.Notes, &sup.IsActive, &sup.CreatedAt, &sup.UpdatedAt); err != nil {
			WriteError(w, Internalf(err, "failed to scan supplier"))
			return
		}
		suppliers = append(suppliers, sup)
	}
	WriteJSON(w, http.StatusOK, suppliers)
}

func (s *SupplierService) GetSupplier(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "supplierID")
	if err != nil {
		WriteError(w, err)
		return
	}

	var sup models.Supplier
	err = s.db.QueryRow(`
		SELECT id, name, contact, phone, address, notes, is_active, created_at, updated_at
		FROM suppliers
		WHERE id = $1`, id).Scan(
		&sup.ID, &sup.Name, &sup.Contact, &sup.Phone, &sup.Address, &sup.Notes, &sup.IsActive, &sup.CreatedAt, &sup.UpdatedAt)
	if err == sql.ErrNoRows {
		WriteError(w, NotFoundf("supplier %d not found", id))
		return
	}
	if err != nil {
		WriteError(w, Internalf(err, "failed to load supplier %d", id))
		return
	}
	WriteJSON(w, http.StatusOK, sup)
}

type updateSupplierRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Contact  string `json:"contact" validate:"max=50"`
	Phone    string `json:"phone" validate:"max=20"`
	Address  string `json:"address" validate:"max=200"`
	Notes    string `json:"notes"`
	IsActive bool   `json:"is_active"`
}

func (s *SupplierService) UpdateSupplier(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "supplierID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req updateSupplierRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	name := strings.TrimSpace(req.Name)
	var taken bool
	err = s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM suppliers WHERE name = $1 AND id <> $2)`, name, id).Scan(&taken)
	if err != nil {
		WriteError(w, Internalf(err, "failed to check supplier name"))
		return
	}
	if taken {
		WriteError(w, Conflictf("supplier %q already exists", name))
		return
	}

	result, err := s.db.Exec(`
		UPDATE suppliers
		SET name = $1, contact = $2, phone = $3, address = $4, notes = $5, is_active = $6, updated_at = NOW()
		WHERE id = $7`,
		name, req.Contact, req.Phone, req.Address, req.Notes, req.IsActive, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to update supplier %d", id))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("supplier %d not found", id))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "supplier updated"})
}

// DeleteSupplier removes a supplier with no purchase history. One with
// purchases on record can only be deactivated.
func (s *SupplierService) DeleteSupplier(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "supplierID")
	if err != nil {
		WriteError(w, err)
		return
	}

	var hasPurchases bool
	err = s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM purchases WHERE supplier_id = $1)`, id).Scan(&hasPurchases)
	if err != nil {
		WriteError(w, Internalf(err, "failed to check purchases for supplier %d", id))
		return
	}
	if hasPurchases {
		WriteError(w, InvalidStatef("supplier %d has purchase records; deactivate it instead", id))
		return
	}

	result, err := s.db.Exec(`DELETE FROM suppliers WHERE id = $1`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to delete supplier %d", id))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("supplier %d not found", id))
		return
	}

	log.Printf("[SUPPLIER] Deleted supplier %d", id)
	WriteJSON(w, http.StatusOK, map[string]string{"message": "supplier deleted"})
}
