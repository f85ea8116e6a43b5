package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Статусы заказа
const (
	OrderStatusPending          = "pending"
	OrderStatusInProduction     = "in_production"
	OrderStatusReadyAtShop      = "ready_at_shop"
	OrderStatusWaitingForPickup = "waiting_for_pickup"
	OrderStatusDelivered        = "delivered"
	OrderStatusCompleted        = "completed"
	OrderStatusCancelled        = "cancelled"
)

// Типы заказа
const (
	OrderTypeCustomer          = "customer_order"
	OrderTypeCounterProduction = "counter_production_request"
	OrderTypeInStore           = "in_store"
)

// Статусы оплаты
const (
	PaymentStatusUnpaid  = "unpaid"
	PaymentStatusPartial = "partial"
	PaymentStatusPaid    = "paid"
)

// OrderStatuses - все статусы жизненного цикла заказа
var OrderStatuses = []string{
	OrderStatusPending,
	OrderStatusInProduction,
	OrderStatusReadyAtShop,
	OrderStatusWaitingForPickup,
	OrderStatusDelivered,
	OrderStatusCompleted,
	OrderStatusCancelled,
}

// IsTerminalOrderStatus - после этих статусов меняются только поля оплаты
func IsTerminalOrderStatus(status string) bool {
	switch status {
	case OrderStatusDelivered, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// ValidOrderType проверяет тип заказа
func ValidOrderType(orderType string) bool {
	switch orderType {
	case OrderTypeCustomer, OrderTypeCounterProduction, OrderTypeInStore:
		return true
	}
	return false
}

// Order - заказ клиента или внутренний запрос на производство для витрины
type Order struct {
	ID           string `json:"id" gorm:"type:uuid;primaryKey"`
	DisplayID    string `json:"display_id" gorm:"type:varchar(32);index"`
	OrderType    string `json:"order_type" gorm:"type:varchar(40);not null;index"`
	Status       string `json:"status" gorm:"type:varchar(30);not null;index"`
	IsPickup     bool   `json:"is_pickup" gorm:"default:false"`
	CustomerName string `json:"customer_name" gorm:"type:varchar(255)"`
	Notes        string `json:"notes" gorm:"type:text"`

	TotalAmount   decimal.Decimal `json:"total_amount" gorm:"type:decimal(12,4);not null"`
	AmountPaid    decimal.Decimal `json:"amount_paid" gorm:"type:decimal(12,4);not null"`
	PaymentStatus string          `json:"payment_status" gorm:"type:varchar(20);not null;default:'unpaid'"`
	PaymentMethod string          `json:"payment_method" gorm:"type:varchar(30)"`

	Items       []OrderItem            `json:"items" gorm:"foreignKey:OrderID"`
	Assignments []ProductionAssignment `json:"assignments,omitempty" gorm:"foreignKey:OrderID"`

	ProducedAt  *time.Time `json:"produced_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CancelledAt *time.Time `json:"cancelled_at"`
	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName указывает имя таблицы
func (Order) TableName() string {
	return "orders"
}

// BeforeCreate генерирует UUID и короткий номер заказа
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.DisplayID == "" {
		o.DisplayID = o.ID[:8]
	}
	if o.Status == "" {
		o.Status = OrderStatusPending
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = PaymentStatusUnpaid
	}
	return nil
}

// OrderItem - позиция заказа
type OrderItem struct {
	ID        string          `json:"id" gorm:"type:uuid;primaryKey"`
	OrderID   string          `json:"order_id" gorm:"type:uuid;not null;index"`
	ProductID string          `json:"product_id" gorm:"type:uuid;not null;index"`
	Product   *Product        `json:"product,omitempty" gorm:"foreignKey:ProductID"`
	Quantity  float64         `json:"quantity" gorm:"type:double precision;not null"`
	UnitPrice decimal.Decimal `json:"unit_price" gorm:"type:decimal(12,4);not null"`
	Position  int             `json:"position" gorm:"not null;default:0"`

	// Себестоимость, зафиксированная при производстве и при продаже
	ProductionUnitCost *decimal.Decimal `json:"production_unit_cost" gorm:"type:decimal(12,4)"`
	CogsUnitCost       *decimal.Decimal `json:"cogs_unit_cost" gorm:"type:decimal(12,4)"`
}

// TableName указывает имя таблицы
func (OrderItem) TableName() string {
	return "order_items"
}

// BeforeCreate генерирует UUID
func (oi *OrderItem) BeforeCreate(tx *gorm.DB) error {
	if oi.ID == "" {
		oi.ID = uuid.New().String()
	}
	return nil
}

// ProductionAssignment - сотрудник, участвовавший в производстве заказа
type ProductionAssignment struct {
	ID           string    `json:"id" gorm:"type:uuid;primaryKey"`
	OrderID      string    `json:"order_id" gorm:"type:uuid;not null;index"`
	EmployeeID   string    `json:"employee_id" gorm:"type:varchar(64);not null"`
	EmployeeName string    `json:"employee_name" gorm:"type:varchar(255)"`
	Role         string    `json:"role" gorm:"type:varchar(50)"`
	Quantity     float64   `json:"quantity" gorm:"type:double precision"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName указывает имя таблицы
func (ProductionAssignment) TableName() string {
	return "production_assignments"
}

// BeforeCreate генерирует UUID
func (pa *ProductionAssignment) BeforeCreate(tx *gorm.DB) error {
	if pa.ID == "" {
		pa.ID = uuid.New().String()
	}
	return nil
}
