package ws

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/synapsehealth/dicom-gateway/internal/bus"
	"github.com/synapsehealth/dicom-gateway/internal/metrics"
	"github.com/synapsehealth/dicom-gateway/internal/services"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Hub upgrades progress subscriptions to WebSockets and bridges them onto
// the in-process progress bus.
type Hub struct {
	bus      *bus.Bus
	retrieve *services.RetrieveService
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(progressBus *bus.Bus, retrieve *services.RetrieveService, log zerolog.Logger) *Hub {
	return &Hub{
		bus:      progressBus,
		retrieve: retrieve,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin enforcement happens at the CORS layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "ws_hub").Logger(),
	}
}

// HandleRetrieveProgress streams retrieval progress for one study. The
// current job snapshot is sent immediately, then every published update
// until the job reaches a terminal state.
func (h *Hub) HandleRetrieveProgress(w http.ResponseWriter, r *http.Request) {
	studyUID := chi.URLParam(r, "studyUid")
	if studyUID == "" {
		http.Error(w, "study UID required", http.StatusBadRequest)
		return
	}

	sub := h.bus.Subscribe(studyUID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	metrics.WebsocketSubscribers.Inc()
	defer func() {
		metrics.WebsocketSubscribers.Dec()
		sub.Close()
		conn.Close()
	}()

	// Drain client frames so close and pong handling work.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if job, ok := h.retrieve.Job(studyUID); ok {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(job.Progress()); err != nil {
			return
		}
		if job.Status.IsTerminal() {
			h.sendClose(conn)
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case progress, ok := <-sub.C:
			if !ok {
				h.sendClose(conn)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(progress); err != nil {
				return
			}
			if progress.Status.IsTerminal() {
				h.sendClose(conn)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}

func (h *Hub) sendClose(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
