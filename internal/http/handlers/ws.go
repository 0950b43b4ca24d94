package handlers

import (
	"net/http"

	"github.com/iago/audiodrop-back/internal/domain"
	"github.com/iago/audiodrop-back/internal/events"
	"github.com/iago/audiodrop-back/internal/http/middleware"
)

const snapshotSize = 20

type snapshotMessage struct {
	Type string             `json:"type"`
	Jobs []events.JobUpdate `json:"jobs"`
}

// LiveUpdates upgrades to a websocket, sends a snapshot of the latest jobs
// and then hands the connection to the hub, which pushes job updates.
func (api *API) LiveUpdates(w http.ResponseWriter, r *http.Request) {
	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if api.logger != nil {
			api.logger.Printf("ws upgrade failed request_id=%s err=%v", middleware.GetRequestID(r.Context()), err)
		}
		return
	}

	// The snapshot is written before the hub owns the connection, so there
	// is never more than one writer.
	page, err := api.downloads.History(r.Context(), domain.HistoryFilter{Limit: snapshotSize})
	if err == nil {
		snapshot := snapshotMessage{Type: "snapshot", Jobs: make([]events.JobUpdate, 0, len(page.Items))}
		for i := range page.Items {
			snapshot.Jobs = append(snapshot.Jobs, events.NewJobUpdate(&page.Items[i]))
		}
		if writeErr := conn.WriteJSON(snapshot); writeErr != nil {
			_ = conn.Close()
			return
		}
	}

	api.hub.Register(conn)

	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				api.hub.Unregister(conn)
				return
			}
		}
	}()
}
