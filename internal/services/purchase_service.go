package services

import (
	"database/sql"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/parlorbooks/backend/internal/models"
)

// PurchaseService records restocking orders. Each purchase raises the
// stock of its products and folds the buy-in price into the product's
// cost price as a weighted average.
type PurchaseService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewPurchaseService(db *sql.DB) *PurchaseService {
	return &PurchaseService{db: db, validator: NewValidationHelper()}
}

// weightedAverageCost folds a restock of qty units at unitPrice into
// the existing cost price. With no stock on hand the old cost carries
// no weight and the new price wins outright.
func weightedAverageCost(oldStock int, oldCost decimal.Decimal, qty int, unitPrice decimal.Decimal) decimal.Decimal {
	if oldStock <= 0 {
		return unitPrice
	}
	oldValue := oldCost.Mul(decimal.NewFromInt(int64(oldStock)))
	newValue := unitPrice.Mul(decimal.NewFromInt(int64(qty)))
	return oldValue.Add(newValue).Div(decimal.NewFromInt(int64(oldStock + qty))).Round(2)
}

type purchaseItemRequest struct {
	ProductID int             `json:"product_id" validate:"required,min=1"`
	Quantity  int             `json:"quantity" validate:"required,min=1"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type createPurchaseRequest struct {
	SupplierID   int                   `json:"supplier_id" validate:"required,min=1"`
	PurchaseDate *time.Time            `json:"purchase_date"`
	Notes        string                `json:"notes"`
	Items        []purchaseItemRequest `json:"items" validate:"required,min=1,dive"`
}

func (s *PurchaseService) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req createPurchaseRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}
	for _, item := range req.Items {
		if item.UnitPrice.IsNegative() {
			WriteError(w, Validationf("unit price must not be negative"))
			return
		}
	}

	purchaseDate := time.Now()
	if req.PurchaseDate != nil {
		purchaseDate = *req.PurchaseDate
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteError(w, Internalf(err, "failed to begin transaction"))
		return
	}
	defer tx.Rollback()

	var supplierName string
	var supplierActive bool
	err = tx.QueryRow(`SELECT name, is_active FROM suppliers WHERE id = $1`, req.SupplierID).
		Scan(&supplierName, &supplierActive)
	if err == sql.ErrNoRows {
		WriteError(w, NotFoundf("supplier %d not found", req.SupplierID))
		return
	}
	if err != nil {
		WriteError(w, Internalf(err, "failed to load supplier %d", req.SupplierID))
		return
	}
	if !supplierActive {
		WriteError(w, InvalidStatef("supplier %d is inactive", req.SupplierID))
		return
	}

	total := decimal.Zero
	items := make([]models.PurchaseItem, 0, len(req.Items))
	for _, item := range req.Items {
		lineTotal := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		total = total.Add(lineTotal)
		items = append(items, models.PurchaseItem{
			ProductID:  item.ProductID,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			TotalPrice: lineTotal,
		})
	}

	p := models.Purchase{
		SupplierID:   req.SupplierID,
		SupplierName: supplierName,
		TotalAmount:  total,
		Notes:        req.Notes,
		PurchaseDate: purchaseDate,
	}
	err = tx.QueryRow(`
		INSERT INTO purchases (supplier_id, total_amount, notes, purchase_date, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at`,
		req.SupplierID, total, req.Notes, purchaseDate).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		WriteError(w, Internalf(err, "failed to create purchase"))
		return
	}

	for i := range items {
		item := &items[i]

		var stock int
		var costPrice decimal.Decimal
		var productActive bool
		err = tx.QueryRow(`
			SELECT stock, cost_price, is_active
			FROM products
			WHERE id = $1
			FOR UPDATE`, item.ProductID).Scan(&stock, &costPrice, &productActive)
		if err == sql.ErrNoRows {
			WriteError(w, NotFoundf("product %d not found", item.ProductID))
			return
		}
		if err != nil {
			WriteError(w, Internalf(err, "failed to lock product %d", item.ProductID))
			return
		}
		if !productActive {
			WriteError(w, InvalidStatef("product %d is inactive", item.ProductID))
			return
		}

		item.PurchaseID = p.ID
		err = tx.QueryRow(`
			INSERT INTO purchase_items (purchase_id, product_id, quantity, unit_price, total_price)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			p.ID, item.ProductID, item.Quantity, item.UnitPrice, item.TotalPrice).Scan(&item.ID)
		if err != nil {
			WriteError(w, Internalf(err, "failed to create purchase item"))
			return
		}

		newCost := weightedAverageCost(stock, costPrice, item.Quantity, item.UnitPrice)
		if _, err := tx.Exec(`
			UPDATE products
			SET stock = stock + $1, cost_price = $2, updated_at = NOW()
			WHERE id = $3`,
			item.Quantity, newCost, item.ProductID); err != nil {
			WriteError(w, Internalf(err, "failed to restock product %d", item.ProductID))
			return
		}
	}

	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit purchase"))
		return
	}

	p.Items = items
	log.Printf("[PURCHASE] Created purchase %d from supplier %d (%s)", p.ID, p.SupplierID, total)
	WriteJSON(w, http.StatusCreated, p)
}

// ListPurchases returns purchases newest first, optionally filtered by
// supplier (?supplier_id=) and date range (?start=&end=).
func (s *PurchaseService) ListPurchases(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	query := `
		SELECT p.id, p.supplier_id, s.name, p.total_amount, p.notes, p.purchase_date, p.created_at
		FROM purchases p
		JOIN suppliers s ON s.id = p.supplier_id
		WHERE p.purchase_date >= $1 AND p.purchase_date < $2`
	args := []interface{}{from, to}
	if v := r.URL.Query().Get("supplier_id"); v != "" {
		supplierID, err := strconv.Atoi(v)
		if err != nil {
			WriteError(w, Validationf("invalid supplier id %q", v))
			return
		}
		args = append(args, supplierID)
		query += ` AND p.supplier_id = $3`
	}
	query += ` ORDER BY p.purchase_date DESC, p.id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		WriteError(w, Internalf(err, "failed to list purchases"))
		return
	}
	defer rows.Close()

	purchases := []models.Purchase{}
	for rows.Next() {
		var p models.Purchase
		if err := rows.Scan(&p.ID, &p.SupplierID, &p.SupplierName, &p.TotalAmount, &p.Notes, &p.PurchaseDate, &p.CreatedAt); err != nil {
			WriteError(w, Internalf(err, "failed to scan purchase"))
			return
		}
		purchases = append(purchases, p)
	}
	WriteJSON(w, http.StatusOK, purchases)
}

func (s *PurchaseService) GetPurchase(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "purchaseID")
	if err != nil {
		WriteError(w, err)
		return
	}

	var p models.Purchase
	err = s.db.QueryRow(`
		SELECT p.id, p.supplier_id, s.name, p.total_amount, p.notes, p.purchase_date, p.created_at
		FROM purchases p
		JOIN suppliers s ON s.id = p.supplier_id
		WHERE p.id = $1`, id).Scan(
		&p.ID, &p.SupplierID, &p.SupplierName, &p.TotalAmount, &p.Notes, &p.PurchaseDate, &p.CreatedAt)
	if err == sql.ErrNoRows {
		WriteError(w, NotFoundf("purchase %d not found", id))
		return
	}
	if err != nil {
		WriteError(w, Internalf(err, "failed to load purchase %d", id))
		return
	}

	rows, err := s.db.Query(`
		SELECT i.id, i.purchase_id, i.product_id, pr.name, i.quantity, i.unit_price, i.total_price
		FROM purchase_items i
		JOIN products pr ON pr.id = i.product_id
		WHERE i.purchase_id = $1
		ORDER BY i.id ASC`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to load purchase items"))
		return
	}
	defer rows.Close()

	for rows.Next() {
		var item models.PurchaseItem
		if err := rows.Scan(&item.ID, &item.PurchaseID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.TotalPrice); err != nil {
			WriteError(w, Internalf(err, "failed to scan purchase item"))
			return
		}
		p.Items = append(p.Items, item)
	}
	WriteJSON(w, http.StatusOK, p)
}

// DeletePurchase removes a purchase and rolls stock back by each
// item's quantity, clamped at zero. The cost price keeps its averaged
// value; there is no record of what it was before.
func (s *PurchaseService) DeletePurchase(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "purchaseID")
	if err != nil {
		WriteError(w, err)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteError(w, Internalf(err, "failed to begin transaction"))
		return
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRow(`SELECT EXISTS (SELECT 1 FROM purchases WHERE id = $1)`, id).Scan(&exists); err != nil {
		WriteError(w, Internalf(err, "failed to check purchase %d", id))
		return
	}
	if !exists {
		WriteError(w, NotFoundf("purchase %d not found", id))
		return
	}

	rows, err := tx.Query(`SELECT product_id, quantity FROM purchase_items WHERE purchase_id = $1`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to load purchase items"))
		return
	}
	type restock struct {
		productID int
		quantity  int
	}
	var restocks []restock
	for rows.Next() {
		var rs restock
		if err := rows.Scan(&rs.productID, &rs.quantity); err != nil {
			rows.Close()
			WriteError(w, Internalf(err, "failed to scan purchase item"))
			return
		}
		restocks = append(restocks, rs)
	}
	rows.Close()

	for _, rs := range restocks {
		if _, err := tx.Exec(`
			UPDATE products
			SET stock = GREATEST(stock - $1, 0), updated_at = NOW()
			WHERE id = $2`,
			rs.quantity, rs.productID); err != nil {
			WriteError(w, Internalf(err, "failed to roll back stock for product %d", rs.productID))
			return
		}
	}

	if _, err := tx.Exec(`DELETE FROM purchases WHERE id = $1`, id); err != nil {
		WriteError(w, Internalf(err, "failed to delete purchase %d", id))
		return
	}

	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit purchase deletion"))
		return
	}

	log.Printf("[PURCHASE] Deleted purchase %d", id)
	WriteJSON(w, http.StatusOK, map[string]string{"message": "purchase deleted"})
}

// ProductPurchaseHistory lists a product's restocking lines newest
// first.
func (s *PurchaseService) ProductPurchaseHistory(w http.ResponseWriter, r *http.Request) {
	productID, err := urlParamInt(r, "productID")
	if err != nil {
		WriteError(w, err)
		return
	}

	rows, err := s.db.Query(`
		SELECT i.id, i.purchase_id, i.product_id, i.quantity, i.unit_price, i.total_price, p.purchase_date, s.name
		FROM purchase_items i
		JOIN purchases p ON p.id = i.purchase_id
		JOIN suppliers s ON s.id = p.supplier_id
		WHERE i.product_id = $1
		ORDER BY p.purchase_date DESC, i.id DESC`, productID)
	if err != nil {
		WriteError(w, Internalf(err, "failed to load purchase history for product %d", productID))
		return
	}
	defer rows.Close()

	type historyLine struct {
		ID           int             `json:"id"`
		PurchaseID   int             `json:"purchase_id"`
		ProductID    int             `json:"product_id"`
		Quantity     int             `json:"quantity"`
		UnitPrice    decimal.Decimal `json:"unit_price"`
		TotalPrice   decimal.Decimal `json:"total_price"`
		PurchaseDate time.Time       `json:"purchase_date"`
		SupplierName string          `json:"supplier_name"`
	}
	history := []historyLine{}
	for rows.Next() {
		var h historyLine
		if err := rows.Scan(&h.ID, &h.PurchaseID, &h.ProductID, &h.Quantity, &h.UnitPrice, &h.TotalPrice, &h.PurchaseDate, &h.SupplierName); err != nil {
			WriteError(w, Internalf(err, "failed to scan purchase history"))
			return
		}
		history = append(history, h)
	}
	WriteJSON(w, http.StatusOK, history)
}
