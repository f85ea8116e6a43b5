package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	// Экраны магазина открываются с разных хостов внутренней сети
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WSController - подписка на события склада по WebSocket
type WSController struct {
	hub *StockHub
}

// NewWSController создает контроллер WebSocket
func NewWSController(hub *StockHub) *WSController {
	return &WSController{hub: hub}
}

// ServeStockWS обрабатывает GET /api/v1/ws/stock
func (wc *WSController) ServeStockWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Ошибка обновления WebSocket соединения")
		return
	}

	wc.hub.AddClient(conn)
	log.Info().Int("clients", wc.hub.GetClientsCount()).Msg("📱 Экран склада подключен")

	defer func() {
		wc.hub.RemoveClient(conn)
		log.Info().Int("clients", wc.hub.GetClientsCount()).Msg("📱 Экран склада отключен")
	}()

	// Входящие сообщения не обрабатываются, читаем только ради close/pong
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("⚠️ WebSocket ошибка")
			}
			return
		}
	}
}
