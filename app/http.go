package vocalroom

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/putto11262002/vocalroom/core"
	"github.com/putto11262002/vocalroom/pkg/chart"
	"github.com/putto11262002/vocalroom/pkg/proto"
	"github.com/putto11262002/vocalroom/pkg/router"
	"github.com/putto11262002/vocalroom/pkg/upload"
)

var errInvalidLimit = core.NewError(core.KindValidation, "limit must be a non-negative integer")

// classifyError maps the kinds of core errors to http errors.
func classifyError(err error) (router.Error, bool) {
	kind := core.KindOf(err)
	var status int
	switch kind {
	case core.KindValidation:
		status = http.StatusBadRequest
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindCapacity:
		status = http.StatusConflict
	case core.KindAuthorization:
		status = http.StatusForbidden
	case core.KindRateLimited:
		status = http.StatusTooManyRequests
	default:
		return nil, false
	}
	return router.NewJsonError(status, core.PublicMessage(err)).WithKind(kind.String()), true
}

func registerErrorMappers(r *router.Router) {
	r.RegisterErrorMapper(upload.ErrNoFile, func(err error) router.Error {
		return router.NewJsonError(http.StatusBadRequest, err.Error())
	})
	r.RegisterErrorMapper(upload.ErrTooLarge, func(err error) router.Error {
		return router.NewJsonError(http.StatusRequestEntityTooLarge, err.Error())
	})
	r.RegisterErrorMapper(upload.ErrTypeNotAllowed, func(err error) router.Error {
		return router.NewJsonError(http.StatusUnsupportedMediaType, err.Error())
	})
	r.RegisterErrorMapper(chart.ErrUnavailable, func(err error) router.Error {
		return router.NewJsonError(http.StatusServiceUnavailable, chart.ErrUnavailable.Error())
	})
}

func (app *App) wsHandler(w http.ResponseWriter, r *http.Request) {
	session, err := app.wsManager.Connect(w, r)
	if err != nil {
		app.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	app.logger.Debug("websocket connected", slog.String("session", session))
}

func (app *App) healthHandler(w http.ResponseWriter, r *http.Request) error {
	return router.JSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": app.wsManager.Count(),
	})
}

func (app *App) listRoomsHandler(w http.ResponseWriter, r *http.Request) error {
	t := core.RoomType(r.URL.Query().Get("type"))
	if t != "" && !t.Valid() {
		return core.ErrInvalidRoomType
	}
	return router.JSON(w, http.StatusOK, proto.RoomListPayload{Rooms: app.rooms.List(t)})
}

func (app *App) getRoomHandler(w http.ResponseWriter, r *http.Request) error {
	room, ok := app.rooms.Get(chi.URLParam(r, "roomID"))
	if !ok {
		return core.ErrRoomNotFound
	}
	return router.JSON(w, http.StatusOK, proto.RoomPayload{Room: room})
}

func (app *App) roomMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	room, ok := app.rooms.Get(chi.URLParam(r, "roomID"))
	if !ok {
		return core.ErrRoomNotFound
	}
	// The history of a protected room is only handed out on a join.
	if room.HasPassword {
		return core.ErrInvalidPassword
	}

	limit := app.config.Messages.HistoryLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			return errInvalidLimit
		}
		limit = n
	}

	return router.JSON(w, http.StatusOK, map[string]any{
		"roomId":   room.ID,
		"messages": app.messages.History(room.ID, limit),
	})
}

func (app *App) uploadHandler(w http.ResponseWriter, r *http.Request) error {
	info, err := app.uploads.Save(w, r)
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusCreated, info)
}

func (app *App) chartHandler(w http.ResponseWriter, r *http.Request) error {
	if app.chart == nil {
		return router.NewJsonError(http.StatusNotFound, "chart is not configured")
	}
	e, err := app.chart.Get(r.Context())
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, e)
}
