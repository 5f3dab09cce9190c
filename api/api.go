package api

import (
	"context"
	"errors"
	"github.com/gobwas/ws"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"zcoder.me/auth"
	"zcoder.me/config"
	"zcoder.me/coordinator"
	"zcoder.me/model"
	"zcoder.me/pkg/msgbroker"
	"zcoder.me/pkg/utils"
	"zcoder.me/storage"
)

type API struct {
	echo      *echo.Echo
	config    *config.Config
	storage   storage.Storage
	router    *coordinator.Router
	verifier  *auth.Verifier
	msgBroker msgbroker.MessageBroker

	mu   sync.Mutex
	live map[*connection]struct{}
}

func New(c *config.Config, s storage.Storage, r *coordinator.Router, v *auth.Verifier, mb msgbroker.MessageBroker) *API {
	api := &API{
		echo:      echo.New(),
		config:    c,
		storage:   s,
		router:    r,
		verifier:  v,
		msgBroker: mb,
		live:      make(map[*connection]struct{}),
	}

	api.echo.HideBanner = true
	api.echo.Logger.SetLevel(c.Lvl())
	api.echo.Use(middleware.CORS())

	api.echo.GET("/", api.ping)
	api.echo.GET("/health", api.health)
	api.echo.GET("/stats", api.stats)
	api.echo.DELETE("/rooms/:roomID", api.deleteRoom)
	api.echo.Any("/ws", api.websocket)

	return api
}

func (api *API) Start() error {
	if api.msgBroker != nil {
		err := api.msgBroker.Subscribe(msgbroker.RoomDeletedPrefix+"*", api.handleRoomDeleted)
		if err != nil {
			return err
		}
	}
	return api.echo.Start(":" + strconv.Itoa(api.config.HttpPort))
}

// Close stops accepting requests and closes every open websocket.
func (api *API) Close(ctx context.Context) error {
	err := api.echo.Shutdown(ctx)

	api.mu.Lock()
	for conn := range api.live {
		_ = conn.Close()
	}
	api.mu.Unlock()
	return err
}

// Ping handler
func (api *API) ping(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (api *API) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Active rooms, bound connections and today's joins
func (api *API) stats(c echo.Context) error {
	rooms, conns := api.router.Stats()
	visits, err := api.storage.GetVisitsByDate(time.Now())
	if err != nil {
		log.Warn(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"rooms":       rooms,
		"connections": conns,
		"visits":      visits,
	})
}

// Room deletion on behalf of the owner
func (api *API) deleteRoom(c echo.Context) error {
	id, err := api.verifier.Verify(utils.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization)))
	if err != nil {
		log.Info(err)
		return echo.NewHTTPError(http.StatusUnauthorized)
	}

	roomID := c.Param("roomID")
	err = api.router.DeleteRoom(c.Request().Context(), id, roomID)
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, model.ErrRoomNotFound):
		return echo.NewHTTPError(http.StatusNotFound)
	case errors.Is(err, model.ErrRoomForbidden):
		return echo.NewHTTPError(http.StatusForbidden)
	case errors.Is(err, model.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized)
	default:
		log.Error(err)
		return echo.NewHTTPError(http.StatusBadGateway)
	}
}

// Endpoint to establish websocket connection
func (api *API) websocket(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		token = utils.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	}
	id, err := api.verifier.Verify(token)
	if err != nil {
		log.Info(err)
		return c.NoContent(http.StatusUnauthorized)
	}

	conn, _, _, err := ws.UpgradeHTTP(c.Request(), c.Response())
	if err != nil {
		log.Warn(err)
		return c.NoContent(http.StatusBadRequest)
	}

	api.serveConn(newConnection(conn, id, api.config.SendQueueSize, api.config.MaxFrameSize))
	return nil
}

// Serves one websocket until the peer goes away
func (api *API) serveConn(conn *connection) {
	ctx, cancel := context.WithCancel(context.Background())
	api.mu.Lock()
	api.live[conn] = struct{}{}
	api.mu.Unlock()
	log.Infof("user %s connected via conn %s", conn.identity.UserID, conn.id)

	defer func() {
		cancel()
		api.router.Disconnect(conn)
		_ = conn.Close()
		<-conn.done

		api.mu.Lock()
		delete(api.live, conn)
		api.mu.Unlock()
		log.Infof("user %s disconnected, conn %s", conn.identity.UserID, conn.id)
	}()

	for {
		b, err := conn.ReadText()
		if errors.Is(err, errFrameTooLarge) {
			log.Warnf("conn %s: %v, closing", conn.id, err)
		}
		if err != nil {
			return
		}
		api.router.Handle(ctx, conn, b)
	}
}

// Deletion notices from the persistence side or other instances
func (api *API) handleRoomDeleted(msg *msgbroker.Message) {
	roomID := strings.TrimPrefix(msg.Channel, msgbroker.RoomDeletedPrefix)
	if roomID == "" || roomID == msg.Channel {
		return
	}
	api.router.Evict(roomID)
}
