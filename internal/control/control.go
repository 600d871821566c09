// Package control exposes the track manager and engine over HTTP and a
// websocket, so a local UI or RPC adapter can create/configure tracks,
// mute/solo them, and observe status without touching the data plane
// directly.
package control

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"landaudio/internal/engine"
	"landaudio/internal/protocol"
	"landaudio/internal/track"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const writeTimeout = 5 * time.Second

// Server wires the track manager and engine onto an HTTP API and a
// websocket event stream.
type Server struct {
	manager *track.Manager
	engine  *engine.Engine

	echo     *echo.Echo
	upgrader websocket.Upgrader
}

// NewServer constructs a Server and registers all routes.
func NewServer(manager *track.Manager, eng *engine.Engine) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[control] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{
		manager: manager,
		engine:  eng,
		echo:    e,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/devices", s.handleListDevices)
	s.echo.GET("/api/tracks", s.handleGetStatus)
	s.echo.POST("/api/tracks", s.handleCreateTrack)
	s.echo.DELETE("/api/tracks/:id", s.handleRemoveTrack)
	s.echo.PATCH("/api/tracks/:id", s.handleUpdateTrack)
	s.echo.POST("/api/tracks/:id/mute", s.handleSetMute)
	s.echo.POST("/api/tracks/:id/solo", s.handleSetSolo)
	s.echo.POST("/api/tracks/:id/start", s.handleStartTrack)
	s.echo.POST("/api/tracks/:id/stop", s.handleStopTrack)
	s.echo.GET("/ws", s.handleWebSocket)
}

// Handler exposes the route tree, mainly so tests can drive the API with
// httptest without binding a port.
func (s *Server) Handler() http.Handler { return s.echo }

// Run starts the HTTP server on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[control] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[control] shutdown error: %v", err)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDevices(c echo.Context) error {
	in, err := s.engine.ListInputDevices()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out, err := s.engine.ListOutputDevices()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	devices := make([]protocol.AudioDeviceInfo, 0, len(in)+len(out))
	for _, d := range in {
		devices = append(devices, toDeviceInfo(d, true, false))
	}
	for _, d := range out {
		devices = append(devices, toDeviceInfo(d, false, true))
	}
	return c.JSON(http.StatusOK, protocol.ControlMessage{Type: protocol.CtlDevices, Devices: devices})
}

func toDeviceInfo(d engine.Device, isInput, isOutput bool) protocol.AudioDeviceInfo {
	return protocol.AudioDeviceInfo{
		ID:          strconv.Itoa(d.ID),
		Name:        d.Name,
		IsInput:     isInput,
		IsOutput:    isOutput,
		IsDefault:   d.IsDefaultInput || d.IsDefaultOutput,
		SampleRates: []uint32{uint32(d.DefaultSampleRate)},
	}
}

func (s *Server) handleGetStatus(c echo.Context) error {
	tracks := s.manager.List()
	statuses := make([]protocol.TrackStatus, 0, len(tracks))
	for _, t := range tracks {
		statuses = append(statuses, t.Status())
	}
	return c.JSON(http.StatusOK, protocol.ControlMessage{Type: protocol.CtlStatus, Tracks: statuses})
}

func (s *Server) handleCreateTrack(c echo.Context) error {
	cfg := protocol.DefaultTrackConfig()
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := s.manager.CreateTrack(cfg)
	if err != nil {
		return trackError(err)
	}
	return c.JSON(http.StatusCreated, map[string]uint8{"track_id": id})
}

func (s *Server) handleRemoveTrack(c echo.Context) error {
	id, err := trackIDParam(c)
	if err != nil {
		return err
	}
	if err := s.manager.RemoveTrack(id); err != nil {
		return trackError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUpdateTrack(c echo.Context) error {
	id, err := trackIDParam(c)
	if err != nil {
		return err
	}
	var update protocol.TrackConfigUpdate
	if err := c.Bind(&update); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.manager.UpdateTrack(id, update); err != nil {
		return trackError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSetMute(c echo.Context) error {
	id, err := trackIDParam(c)
	if err != nil {
		return err
	}
	var body struct {
		Muted bool `json:"muted"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.manager.SetMuted(id, body.Muted); err != nil {
		return trackError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSetSolo(c echo.Context) error {
	id, err := trackIDParam(c)
	if err != nil {
		return err
	}
	var body struct {
		Solo bool `json:"solo"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.manager.SetSolo(id, body.Solo); err != nil {
		return trackError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStartTrack(c echo.Context) error {
	id, err := trackIDParam(c)
	if err != nil {
		return err
	}
	if err := s.manager.StartTrack(id); err != nil {
		return trackError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStopTrack(c echo.Context) error {
	id, err := trackIDParam(c)
	if err != nil {
		return err
	}
	if err := s.manager.StopTrack(id); err != nil {
		return trackError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func trackIDParam(c echo.Context) (uint8, error) {
	v, err := strconv.ParseUint(c.Param("id"), 10, 8)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid track id")
	}
	return uint8(v), nil
}

// trackError maps a track manager error to the HTTP status the control
// surface promises: control-plane errors are surfaced to the caller rather
// than absorbed, unlike data-plane drops.
func trackError(err error) error {
	switch {
	case errors.Is(err, track.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, track.ErrAlreadyExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, track.ErrMaxTracksReached):
		return echo.NewHTTPError(http.StatusInsufficientStorage, err.Error())
	case errors.Is(err, track.ErrTombstoned):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// handleWebSocket upgrades the connection and streams track events as
// ControlMessage frames until the client disconnects; it also accepts the
// same command envelope inbound so a UI can drive tracks over one socket.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	s.serveConn(conn)
	return nil
}

func (s *Server) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	events := s.manager.Subscribe()
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				msg := eventToMessage(e)
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	}()

	for {
		var in protocol.ControlMessage
		if err := conn.ReadJSON(&in); err != nil {
			break
		}
		s.handleInbound(conn, in)
	}
	close(done)
	wg.Wait()
}

func (s *Server) handleInbound(conn *websocket.Conn, in protocol.ControlMessage) {
	switch in.Type {
	case protocol.CtlCreateTrack:
		if in.Config == nil {
			s.writeError(conn, "create_track requires config")
			return
		}
		if _, err := s.manager.CreateTrack(*in.Config); err != nil {
			s.writeError(conn, err.Error())
		}
	case protocol.CtlRemoveTrack:
		if in.TrackID == nil {
			s.writeError(conn, "remove_track requires track_id")
			return
		}
		if err := s.manager.RemoveTrack(*in.TrackID); err != nil {
			s.writeError(conn, err.Error())
		}
	case protocol.CtlUpdateTrack:
		if in.TrackID == nil || in.Update == nil {
			s.writeError(conn, "update_track requires track_id and update")
			return
		}
		if err := s.manager.UpdateTrack(*in.TrackID, *in.Update); err != nil {
			s.writeError(conn, err.Error())
		}
	case protocol.CtlSetMute:
		if in.TrackID == nil || in.Muted == nil {
			s.writeError(conn, "set_mute requires track_id and muted")
			return
		}
		if err := s.manager.SetMuted(*in.TrackID, *in.Muted); err != nil {
			s.writeError(conn, err.Error())
		}
	case protocol.CtlSetSolo:
		if in.TrackID == nil || in.Solo == nil {
			s.writeError(conn, "set_solo requires track_id and solo")
			return
		}
		if err := s.manager.SetSolo(*in.TrackID, *in.Solo); err != nil {
			s.writeError(conn, err.Error())
		}
	case protocol.CtlGetStatus:
		tracks := s.manager.List()
		statuses := make([]protocol.TrackStatus, 0, len(tracks))
		for _, t := range tracks {
			statuses = append(statuses, t.Status())
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteJSON(protocol.ControlMessage{Type: protocol.CtlStatus, Tracks: statuses})
	case protocol.CtlPing:
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteJSON(protocol.ControlMessage{Type: protocol.CtlPong})
	default:
		s.writeError(conn, "unknown control message type")
	}
}

func (s *Server) writeError(conn *websocket.Conn, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(protocol.ControlMessage{Type: protocol.CtlError, Message: msg})
}

func eventToMessage(e track.Event) protocol.ControlMessage {
	id := e.TrackID
	msg := protocol.ControlMessage{TrackID: &id}
	switch e.Kind {
	case track.EventCreated:
		msg.Type = protocol.CtlStatus
		msg.Message = "created"
	case track.EventRemoved:
		msg.Type = protocol.CtlStatus
		msg.Message = "removed"
	case track.EventStarted:
		msg.Type = protocol.CtlStatus
		msg.Message = "started"
	case track.EventStopped:
		msg.Type = protocol.CtlStatus
		msg.Message = "stopped"
	case track.EventConfigUpdated:
		msg.Type = protocol.CtlStatus
		msg.Message = "config_updated"
	case track.EventDeviceChanged:
		msg.Type = protocol.CtlStatus
		msg.Message = "device_changed: " + e.OldDeviceID + " -> " + e.NewDeviceID
	case track.EventError:
		msg.Type = protocol.CtlError
		msg.Message = e.Message
	}
	return msg
}

// jsonErrorHandler ensures all error responses have a consistent JSON body:
//
//	{"error": "message"}
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			c.NoContent(code) //nolint:errcheck
		} else {
			c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
		}
	}
}
