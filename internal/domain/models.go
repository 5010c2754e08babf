package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID           string          `json:"id"`
	DisplayCode  string          `json:"display_code"`
	Name         string          `json:"name"`
	UnitName     string          `json:"unit_name"`
	CategoryName string          `json:"category_name"`
	Price        decimal.Decimal `json:"price"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	Stock        int             `json:"stock"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ProductCreateRequest carries every field of a new product. Stock is the
// initial on-hand quantity and may be zero.
type ProductCreateRequest struct {
	Name         string          `json:"name" validate:"required"`
	UnitName     string          `json:"unit_name" validate:"required"`
	CategoryName string          `json:"category_name" validate:"required"`
	Price        decimal.Decimal `json:"price"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	Stock        int             `json:"stock" validate:"gte=0,lte=2147483647"`
}

// ProductUpdateRequest edits non-quantity fields only. A nil field keeps the
// stored value.
type ProductUpdateRequest struct {
	Name         *string          `json:"name,omitempty" validate:"omitempty,min=1"`
	UnitName     *string          `json:"unit_name,omitempty" validate:"omitempty,min=1"`
	CategoryName *string          `json:"category_name,omitempty" validate:"omitempty,min=1"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	CostPrice    *decimal.Decimal `json:"cost_price,omitempty"`
}

type Counter struct {
	Key    string `json:"key"`
	LastID int64  `json:"last_id"`
}

const ProductCounterKey = "productCounter"

// MaxQuantity bounds stock levels and quantities to the range of the INTEGER
// stock column.
const MaxQuantity = 1<<31 - 1

type CartLine struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0,lte=2147483647"`
}

type CheckoutRequest struct {
	Lines []CartLine `json:"lines" validate:"required,min=1,dive"`
}

type InvoiceItem struct {
	ProductID   string          `json:"product_id"`
	DisplayCode string          `json:"display_code"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	CostPrice   decimal.Decimal `json:"cost_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

// Invoice is immutable once committed. TotalAmount is fixed at creation and
// never recomputed from Items.
type Invoice struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"created_at"`
	CreatedBy   string          `json:"created_by,omitempty"`
	Items       []InvoiceItem   `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

type StockLogType string

const (
	StockImport StockLogType = "import"
	StockExport StockLogType = "export"
)

type AdjustStockRequest struct {
	ProductID string       `json:"product_id" validate:"required"`
	Type      StockLogType `json:"type" validate:"required,oneof=import export"`
	Quantity  int          `json:"quantity" validate:"gt=0,lte=2147483647"`
	Reason    string       `json:"reason" validate:"required"`
}

// StockLogEntry is append-only. Adjustment is +Quantity for imports and
// -Quantity for exports.
type StockLogEntry struct {
	ID          string       `json:"id"`
	ProductID   string       `json:"product_id"`
	ProductName string       `json:"product_name"`
	Type        StockLogType `json:"type"`
	Quantity    int          `json:"quantity"`
	Adjustment  int          `json:"adjustment"`
	Reason      string       `json:"reason"`
	Actor       string       `json:"actor,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

type StockAdjustResult struct {
	Entry StockLogEntry `json:"entry"`
	Stock int           `json:"stock"`
}

const (
	LookupCategories = "categories"
	LookupUnits      = "units"
)

type LookupEntry struct {
	ID   string `json:"id"`
	Set  string `json:"set"`
	Name string `json:"name"`
}

type LookupCreateRequest struct {
	Name string `json:"name" validate:"required"`
}

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type SignUpRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=6"`
}

type ResetPasswordRequest struct {
	NewPassword string `json:"new_password" validate:"required,min=6"`
}

type RoleUpdateRequest struct {
	Role string `json:"role" validate:"required,oneof=admin staff"`
}

type DailyRevenue struct {
	Date    string          `json:"date"`
	Revenue decimal.Decimal `json:"revenue"`
}

type TopProduct struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
}

type Overview struct {
	ProductCount   int             `json:"product_count"`
	StockValue     decimal.Decimal `json:"stock_value"`
	StockCost      decimal.Decimal `json:"stock_cost"`
	DailyRevenue   []DailyRevenue  `json:"daily_revenue"`
	GrossProfit    decimal.Decimal `json:"gross_profit"`
	TopProducts    []TopProduct    `json:"top_products"`
	InvoiceCount   int             `json:"invoice_count"`
	GeneratedAtUTC string          `json:"generated_at"`
}
