package api

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// StockHub рассылает события склада подключенным экранам (витрина, лаборатория, бухгалтерия)
type StockHub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	done      chan struct{}
	mutex     sync.RWMutex
}

// NewStockHub создает хаб с буферизованным каналом рассылки
func NewStockHub() *StockHub {
	return &StockHub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
	}
}

// Run обрабатывает очередь рассылки до вызова Stop
func (h *StockHub) Run() {
	for {
		select {
		case <-h.done:
			h.closeAll()
			return
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *StockHub) deliver(msg []byte) {
	h.mutex.RLock()
	var failed []*websocket.Conn
	for client := range h.clients {
		_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.WriteMessage(websocket.TextMessage, msg); err != nil {
			failed = append(failed, client)
		}
	}
	h.mutex.RUnlock()

	for _, client := range failed {
		h.RemoveClient(client)
	}
}

// Stop завершает Run и закрывает все соединения
func (h *StockHub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *StockHub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// AddClient добавляет нового клиента
func (h *StockHub) AddClient(conn *websocket.Conn) {
	h.mutex.Lock()
	h.clients[conn] = true
	h.mutex.Unlock()
}

// RemoveClient удаляет клиента
func (h *StockHub) RemoveClient(conn *websocket.Conn) {
	h.mutex.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	h.mutex.Unlock()
}

// BroadcastMessage ставит сообщение в очередь рассылки. При переполнении сообщение теряется.
func (h *StockHub) BroadcastMessage(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		log.Warn().Int("size", len(message)).Msg("⚠️ Очередь WebSocket переполнена, событие пропущено")
	}
}

// GetClientsCount возвращает количество подключенных клиентов
func (h *StockHub) GetClientsCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
