package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"crmpulse/middleware"
	"crmpulse/services"
	"crmpulse/store"
	"crmpulse/utils"
)

type SyncController struct {
	Store    *store.Store
	Sync     *services.SyncService
	Progress *services.ProgressHub
	Logger   *logrus.Entry
}

func NewSyncController(st *store.Store, sync *services.SyncService, hub *services.ProgressHub, logger *logrus.Entry) *SyncController {
	return &SyncController{
		Store:    st,
		Sync:     sync,
		Progress: hub,
		Logger:   logger.WithField("controller", "sync"),
	}
}

// ManualSync syncs every active integration of the caller. One failing
// integration does not fail the request; its outcome carries the error.
func (sc *SyncController) ManualSync(c *fiber.Ctx) error {
	outcomes, err := sc.Sync.SyncUser(c.UserContext(), middleware.UserID(c), services.TriggerManual)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start sync", err)
	}
	return c.JSON(utils.SuccessResponse(outcomes))
}

func (sc *SyncController) ListRuns(c *fiber.Ctx) error {
	runs, err := sc.Store.ListSyncRuns(c.UserContext(), middleware.UserID(c), c.QueryInt("limit", 20))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sync runs", err)
	}
	return c.JSON(utils.SuccessResponse(runs))
}

// RequireUpgrade rejects plain HTTP requests on the progress socket route.
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// ProgressWS streams the caller's import progress events until the client
// goes away.
func (sc *SyncController) ProgressWS(conn *websocket.Conn) {
	defer conn.Close()

	userID, _ := conn.Locals(middleware.LocalUserID).(uint)
	events, cancel := sc.Progress.Subscribe(userID)
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				sc.Logger.WithError(err).WithField("user_id", userID).Debug("progress socket closed")
				return
			}
		}
	}
}
