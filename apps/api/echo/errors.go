package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/Brhansenane/academy-control-panel/core"
	"github.com/Brhansenane/academy-control-panel/core/message"
	"github.com/Brhansenane/academy-control-panel/core/user"
)

var (
	errUnauthorized         = echo.NewHTTPError(http.StatusUnauthorized, "user not authenticated")
	errAuthenticationFailed = echo.NewHTTPError(http.StatusBadRequest, "authentication failed")
	errAccountDeactivated   = echo.NewHTTPError(http.StatusForbidden, "account deactivated")
	errRefreshExpired       = echo.NewHTTPError(http.StatusForbidden, "refresh has expired")
	errHttpNotFound         = echo.NewHTTPError(http.StatusNotFound, "not found")
)

// messagingErrorCode maps the errors of the messaging core to a status code, 0 if err is not one of them.
func messagingErrorCode(err error) int {
	var serr *message.StoreError
	switch {
	case errors.Is(err, message.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, message.ErrSendInFlight):
		return http.StatusConflict
	case message.IsPrecondition(err):
		return http.StatusBadRequest
	case errors.As(err, &serr):
		if serr.Kind == message.ErrSendFailed {
			return http.StatusBadGateway
		}
		return http.StatusServiceUnavailable
	}
	return 0
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, translator ut.Translator, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var msg interface{}

		switch origErr := errors.Cause(err).(type) {
		case *echo.HTTPError:
			if origErr == middleware.ErrJWTMissing {
				code = http.StatusUnauthorized
				msg = origErr.Message
				break
			}
			if origErr.Internal != nil {
				if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
					origErr = herr
				}
			}
			code = origErr.Code
			msg = origErr.Message
		case validator.ValidationErrors:
			fldErrs := make(map[string]string, len(origErr))
			for _, vErr := range origErr {
				fldErrs[vErr.Field()] = vErr.Translate(translator)
			}
			code = http.StatusBadRequest
			msg = fldErrs
		case *core.ValidationError:
			if origErr.Fields != nil {
				fldErrs := make(map[string]string, len(origErr.Fields))
				for _, fErr := range origErr.Fields {
					fldErrs[fErr.Field] = fErr.Error
				}
				msg = fldErrs
			} else {
				msg = origErr.Error()
			}
			code = http.StatusBadRequest
		default:
			if c := messagingErrorCode(err); c != 0 && !core.IsShutdown(err) {
				code = c
				msg = echo.Map{"error": errors.Cause(err).Error(), "retryable": message.IsRetryable(err)}
				if c >= http.StatusInternalServerError {
					logger.Warn(err.Error(), err, claimsProfile(ctx))
				}
				break
			}
			if errors.Cause(err) == user.ErrNotFound {
				code = http.StatusNotFound
				msg = errHttpNotFound.Message
				break
			}

			// any other error is a server error
			code = http.StatusInternalServerError
			text := http.StatusText(http.StatusInternalServerError)
			msg = text
			logger.Error(text, errors.Wrap(err, text), claimsProfile(ctx))

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}

		if ctx.Echo().Debug && code >= http.StatusInternalServerError {
			msg = err.Error()
		}
		if m, ok := msg.(string); ok {
			msg = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, msg)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}

// claimsProfile returns the profile of the authenticated user, for error reports.
func claimsProfile(ctx echo.Context) user.Profile {
	var p user.Profile
	if claims, err := getContextClaims(ctx); err == nil {
		p.ID = claims.Subject
		p.FirstName = claims.FirstName
		p.LastName = claims.LastName
		p.Roles = claims.Roles
	}
	return p
}
