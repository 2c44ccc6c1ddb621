package services

import (
	"database/sql"
	"net/http"

	"github.com/parlorbooks/backend/internal/models"
	"github.com/shopspring/decimal"
)

// ProductService manages the stocked-item catalogue.
type ProductService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewProductService(db *sql.DB) *ProductService {
	return &ProductService{db: db, validator: NewValidationHelper()}
}

type productRequest struct {
	Name        string          `json:"name" validate:"required,max=100"`
	Unit        string          `json:"unit" validate:"max=20"`
	Price       decimal.Decimal `json:"price"`
	CostPrice   decimal.Decimal `json:"cost_price"`
	Stock       int             `json:"stock"`
	ProductType string          `json:"product_type" validate:"required,oneof=normal meal"`
}

func (s *ProductService) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}
	if req.Price.IsNegative() || req.CostPrice.IsNegative() {
		WriteError(w, Validationf("prices must not be negative"))
		return
	}

	p := models.Product{
		Name:        req.Name,
		Unit:        req.Unit,
		Price:       req.Price,
		CostPrice:   req.CostPrice,
		Stock:       req.Stock,
		IsActive:    true,
		ProductType: req.ProductType,
	}
	err := s.db.QueryRow(`
		INSERT INTO products (name, unit, price, cost_price, stock, product_type, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		req.Name, req.Unit, req.Price, req.CostPrice, req.Stock, req.ProductType).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		WriteError(w, Internalf(err, "failed to create product"))
		return
	}
	WriteJSON(w, http.StatusCreated, p)
}

func (s *ProductService) ListProducts(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"

	query := `
		SELECT id, name, unit, price, cost_price, stock, is_active, product_type, created_at, updated_at
		FROM products`
	if !includeInactive {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		WriteError(w, Internalf(err, "failed to list products"))
		return
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Unit, &p.Price, &p.CostPrice, &p.Stock, &p.IsActive, &p.ProductType, &p.CreatedAt, &p.UpdatedAt); err != nil {
			WriteError(w, Internalf(err, "failed to scan product"))
			return
		}
		products = append(products, p)
	}
	WriteJSON(w, http.StatusOK, products)
}

type updateProductRequest struct {
	Name      string          `json:"name" validate:"required,max=100"`
	Unit      string          `json:"unit" validate:"max=20"`
	Price     decimal.Decimal `json:"price"`
	CostPrice decimal.Decimal `json:"cost_price"`
	Stock     int             `json:"stock"`
	IsActive  bool            `json:"is_active"`
}

func (s *ProductService) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "productID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req updateProductRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}
	if req.Price.IsNegative() || req.CostPrice.IsNegative() {
		WriteError(w, Validationf("prices must not be negative"))
		return
	}

	result, err := s.db.Exec(`
		UPDATE products
		SET name = $1, unit = $2, price = $3, cost_price = $4, stock = $5, is_active = $6, updated_at = NOW()
		WHERE id = $7`,
		req.Name, req.Unit, req.Price, req.CostPrice, req.Stock, req.IsActive, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to update product %d", id))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("product %d not found", id))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "product updated"})
}

// DeleteProduct deactivates a product. Rows are never hard-deleted;
// consumption history keeps referencing them.
func (s *ProductService) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "productID")
	if err != nil {
		WriteError(w, err)
		return
	}

	result, err := s.db.Exec(`UPDATE products SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to deactivate product %d", id))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("product %d not found", id))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "product deactivated"})
}
