package media

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNoConnection, çağrı için açık bir medya bağlantısı yoksa döner.
var ErrNoConnection = errors.New("çağrı için medya bağlantısı yok")

// Kontrol mesajı olayları.
const (
	EventPlaybackFinished = "playback_finished"
	EventClear            = "clear"
)

const defaultWriteTimeout = 5 * time.Second

// Path, ağ geçidinin HTTP sunucusunda bağlandığı yoldur.
const Path = "/api/v1/media"

// CallSink, ağ geçidinin gelen sesi ve oynatma bildirimlerini ilettiği taraftır.
type CallSink interface {
	AudioFrame(callID string, frame []byte)
	PlaybackFinished(callID string)
}

// ControlMessage, medya bağlantısı üzerindeki JSON metin mesajıdır.
type ControlMessage struct {
	Event  string `json:"event"`
	CallID string `json:"callId,omitempty"`
}

type conn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (c *conn) write(ctx context.Context, msgType int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(msgType, data)
}

// Gateway, telefon tarafıyla çağrı başına bir WebSocket bağlantısı tutar.
// Binary mesajlar ses karesi, metin mesajlar kontrol olayıdır.
type Gateway struct {
	upgrader websocket.Upgrader
	log      zerolog.Logger

	sinkMu sync.RWMutex
	sink   CallSink

	mu    sync.RWMutex
	conns map[string]*conn
}

func NewGateway(log zerolog.Logger) *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:   log.With().Str("component", "media_gateway").Logger(),
		conns: make(map[string]*conn),
	}
}

// Attach, gelen olayların iletileceği tarafı ayarlar.
func (g *Gateway) Attach(sink CallSink) {
	g.sinkMu.Lock()
	g.sink = sink
	g.sinkMu.Unlock()
}

func (g *Gateway) currentSink() CallSink {
	g.sinkMu.RLock()
	defer g.sinkMu.RUnlock()
	return g.sink
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("callId")
	if callID == "" {
		http.Error(w, "callId parametresi zorunlu", http.StatusBadRequest)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Str("call_id", callID).Msg("Medya bağlantısı WebSocket'e yükseltilemedi.")
		return
	}

	c := &conn{ws: ws}
	g.mu.Lock()
	old := g.conns[callID]
	g.conns[callID] = c
	g.mu.Unlock()
	if old != nil {
		old.ws.Close()
	}

	l := g.log.With().Str("call_id", callID).Logger()
	l.Info().Str("remote", r.RemoteAddr).Msg("🎧 Medya bağlantısı açıldı.")
	defer func() {
		g.mu.Lock()
		if g.conns[callID] == c {
			delete(g.conns, callID)
		}
		g.mu.Unlock()
		ws.Close()
		l.Info().Msg("Medya bağlantısı kapandı.")
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Debug().Err(err).Msg("Medya bağlantısından okuma sonlandı.")
			}
			return
		}
		sink := g.currentSink()
		if sink == nil {
			continue
		}
		switch msgType {
		case websocket.BinaryMessage:
			sink.AudioFrame(callID, data)
		case websocket.TextMessage:
			var msg ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				l.Warn().Err(err).Msg("Geçersiz kontrol mesajı yoksayıldı.")
				continue
			}
			if msg.Event == EventPlaybackFinished {
				sink.PlaybackFinished(callID)
			}
		}
	}
}

func (g *Gateway) lookup(callID string) (*conn, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.conns[callID]
	return c, ok
}

// SendAudio, sentezlenen sesi arayana gönderir.
func (g *Gateway) SendAudio(ctx context.Context, callID string, audio []byte) error {
	c, ok := g.lookup(callID)
	if !ok {
		return ErrNoConnection
	}
	return c.write(ctx, websocket.BinaryMessage, audio)
}

// ClearAudio, telefon tarafına oynatma tamponunu boşaltmasını söyler.
func (g *Gateway) ClearAudio(ctx context.Context, callID string) error {
	c, ok := g.lookup(callID)
	if !ok {
		return ErrNoConnection
	}
	msg, _ := json.Marshal(ControlMessage{Event: EventClear, CallID: callID})
	return c.write(ctx, websocket.TextMessage, msg)
}

// Connections, açık medya bağlantısı sayısını döner.
func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Close, tüm bağlantıları kapatır.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, c := range g.conns {
		c.ws.Close()
		delete(g.conns, id)
	}
}
