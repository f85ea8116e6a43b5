package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"patisserie/server/internal/models"
	"patisserie/server/internal/services"
)

type testServer struct {
	router *gin.Engine
	hub    *StockHub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, models.AutoMigrate(db))

	retry := services.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	ledger := services.NewLedgerService(db, retry)
	costs := services.NewRecipeCostService(db, services.CostingLive)
	stock := services.NewStockService(db, ledger, retry)
	recipes := services.NewRecipeService(db, costs)
	orders := services.NewOrderService(db, ledger, costs, stock, retry)

	hub := NewStockHub()
	stock.SetNotifier(NewStockEventPublisher(hub, nil, nil))

	router := NewRouter(Controllers{
		Stock:  NewStockController(stock),
		Recipe: NewRecipeController(recipes, costs),
		Order:  NewOrderController(orders),
	})
	return &testServer{router: router, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var decoded map[string]interface{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	}
	return w, decoded
}

func (s *testServer) createProduct(t *testing.T, name, kind, unit, cost string) string {
	t.Helper()
	w, body := s.do(t, http.MethodPost, "/api/v1/products", gin.H{
		"name": name, "kind": kind, "unit": unit, "cost_price": cost,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return body["id"].(string)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w, body := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestStockEndpoints(t *testing.T) {
	s := newTestServer(t)
	flourID := s.createProduct(t, "Flour", models.ProductKindIngredient, "g", "0.08")

	w, _ := s.do(t, http.MethodPost, "/api/v1/stock/purchases", gin.H{
		"product_id": flourID, "location": "lab_reserve", "quantity": 1000, "unit_cost": "0.1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	// Без Kafka событие уходит прямо в хаб
	assert.Equal(t, 1, len(s.hub.broadcast))

	w, body := s.do(t, http.MethodGet, "/api/v1/stock/valuation?detailed=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := body["summary"].(map[string]interface{})
	assert.Equal(t, "100", summary["total"])
	assert.Len(t, body["products"], 1)

	w, body = s.do(t, http.MethodGet, "/api/v1/stock/movements?product_id="+flourID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, body = s.do(t, http.MethodPost, "/api/v1/stock/purchases", gin.H{
		"product_id": flourID, "location": "lab_reserve", "quantity": 0, "unit_cost": "0.1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "quantity", body["field"])

	w, _ = s.do(t, http.MethodPost, "/api/v1/stock/purchases", gin.H{
		"product_id": flourID, "location": "attic", "quantity": 1, "unit_cost": "0.1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/products/00000000-0000-0000-0000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/stock/valuation.xlsx", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "stock_valuation_")
	assert.NotZero(t, w.Body.Len())
}

func TestOrderLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t)
	flourID := s.createProduct(t, "Flour", models.ProductKindIngredient, "g", "0.08")
	breadID := s.createProduct(t, "Bread", models.ProductKindFinished, "pcs", "0")

	w, recipe := s.do(t, http.MethodPost, "/api/v1/recipes", gin.H{
		"name": "Bread", "product_id": breadID, "yield_quantity": 10,
		"ingredients": []gin.H{{"ingredient_product_id": flourID, "quantity_needed": 1000, "unit": "g"}},
		"changed_by":  "chef",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	recipeID := recipe["id"].(string)

	w, body := s.do(t, http.MethodGet, "/api/v1/recipes/"+recipeID+"/cost", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cost := body["cost"].(map[string]interface{})
	assert.Equal(t, "8", cost["cost_per_unit"])

	w, order := s.do(t, http.MethodPost, "/api/v1/orders", gin.H{
		"order_type": models.OrderTypeCustomer,
		"items":      []gin.H{{"product_id": breadID, "quantity": 2, "unit_price": "15"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	orderID := order["id"].(string)

	// Финализация до старта запрещена guard
	w, body = s.do(t, http.MethodPost, "/api/v1/orders/"+orderID+"/finalize", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["message"])

	w, _ = s.do(t, http.MethodPost, "/api/v1/orders/"+orderID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, body = s.do(t, http.MethodPost, "/api/v1/orders/"+orderID+"/finalize", gin.H{
		"assignments": []gin.H{{"employee_id": "emp-1", "employee_name": "Yacine", "role": "baker", "quantity": 2}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, models.OrderStatusReadyAtShop, body["order"].(map[string]interface{})["status"])

	w, body = s.do(t, http.MethodPost, "/api/v1/orders/"+orderID+"/deliver", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.OrderStatusDelivered, body["order"].(map[string]interface{})["status"])

	w, body = s.do(t, http.MethodPost, "/api/v1/orders/"+orderID+"/payments", gin.H{"amount": "30", "method": "card"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.PaymentStatusPaid, body["payment_status"])

	w, _ = s.do(t, http.MethodPost, "/api/v1/orders/00000000-0000-0000-0000-000000000000/start", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = s.do(t, http.MethodGet, "/api/v1/orders?status=delivered", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
}

func TestStockEventCodec(t *testing.T) {
	event := services.StockEvent{
		ProductID:         "p-1",
		ProductName:       "Flour",
		Location:          "lab_reserve",
		MovementType:      models.MovementPurchase,
		QuantityDelta:     1000,
		QuantityAfter:     1500,
		ValueAfter:        "140.0000",
		DeficitAfter:      "0.0000",
		TotalStockValue:   "140.0000",
		CostPrice:         "0.0933",
		SourceReferenceID: "INV-1",
		OccurredAt:        time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}

	data, err := encodeStockEvent(event)
	require.NoError(t, err)
	decoded, err := decodeStockEvent(data)
	require.NoError(t, err)
	assert.Equal(t, event, decoded)

	_, err = decodeStockEvent([]byte("not a protobuf"))
	assert.Error(t, err)
}

func TestParseKafkaBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseKafkaBrokers(" a:9092, b:9092,"))
	assert.Empty(t, ParseKafkaBrokers(""))
}

func TestKafkaAuthTLS(t *testing.T) {
	assert.Nil(t, KafkaAuth{}.tlsConfig())
	assert.NotNil(t, KafkaAuth{Username: "u", Password: "p"}.tlsConfig())
	dialer := CreateKafkaDialer(KafkaAuth{Username: "u", Password: "p"})
	assert.NotNil(t, dialer.SASLMechanism)
	assert.NotNil(t, dialer.TLS)
}
