package chatter

import (
	"errors"
	"net/http"

	"github.com/putto11262002/chatrooms/core"
	"github.com/putto11262002/chatrooms/pkg/router"
)

var kindStatus = map[core.ErrorKind]int{
	core.AuthenticationError: http.StatusUnauthorized,
	core.AuthorizationError:  http.StatusForbidden,
	core.ValidationError:     http.StatusBadRequest,
	core.NotFoundError:       http.StatusNotFound,
	core.TransientStoreError: http.StatusServiceUnavailable,
	core.InternalError:       http.StatusInternalServerError,
}

// mapCoreError turns a classified core error into its HTTP response. Other
// errors fall through to the router's default.
func mapCoreError(err error) router.Error {
	var cerr *core.Error
	if !errors.As(err, &cerr) {
		return nil
	}
	status, ok := kindStatus[cerr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return router.NewStatusError(status, cerr.Message())
}

func registerErrorMappers(r *router.Router) {
	conflict := func(err error) router.Error {
		return router.NewStatusError(http.StatusConflict, core.AsError(err).Message())
	}
	r.RegisterErrorMapper(core.ErrConflictedRoom, conflict)
	r.RegisterErrorMapper(core.ErrConflictedUser, conflict)
}
