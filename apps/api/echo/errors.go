package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/auth"
)

var errBadPayload = echo.NewHTTPError(http.StatusBadRequest, "malformed request body")

var kindStatus = map[auth.ErrorKind]int{
	auth.KindInvalidInput:         http.StatusBadRequest,
	auth.KindInvalidCredentials:   http.StatusUnauthorized,
	auth.KindNotAuthenticated:     http.StatusUnauthorized,
	auth.KindAccountInactive:      http.StatusForbidden,
	auth.KindEmailTaken:           http.StatusConflict,
	auth.KindNetworkFailure:       http.StatusBadGateway,
	auth.KindBackendInconsistency: http.StatusInternalServerError,
	auth.KindUnknown:              http.StatusInternalServerError,
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, translator ut.Translator, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		var authErr *auth.Error
		if errors.As(err, &authErr) {
			code, message = authErrorResponse(authErr, translator)
			if code == http.StatusInternalServerError {
				logger.Error(authErr.Op, err)
			}
		} else {
			switch origErr := errors.Cause(err).(type) {
			case *echo.HTTPError:
				if origErr.Internal != nil {
					if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
						origErr = herr
					}
				}
				code = origErr.Code
				message = origErr.Message
			case validator.ValidationErrors:
				code = http.StatusBadRequest
				message = core.TranslateErrors(origErr, translator)
			case *core.ValidationError:
				code = http.StatusBadRequest
				message = validationMessage(origErr)
			default: // any other error is a server error
				code = http.StatusInternalServerError
				msg := http.StatusText(http.StatusInternalServerError)
				message = msg
				logger.Error(msg, errors.Wrap(err, msg))

				// shutting down...
				if core.IsShutdown(err) {
					signalShutdown()
				}
			}
		}

		if ctx.Echo().Debug {
			message = err.Error()
		}
		if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead {
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}

// authErrorResponse maps a store failure to its status and the message shown to the user. Invalid
// input carries the offending fields when the validator reported them.
func authErrorResponse(err *auth.Error, translator ut.Translator) (int, interface{}) {
	code, ok := kindStatus[err.Kind]
	if !ok {
		code = http.StatusInternalServerError
	}
	if err.Kind == auth.KindInvalidInput {
		var vErrs validator.ValidationErrors
		if errors.As(err.Err, &vErrs) {
			return code, core.TranslateErrors(vErrs, translator)
		}
		var fErr *core.ValidationError
		if errors.As(err.Err, &fErr) && fErr.Fields != nil {
			return code, validationMessage(fErr)
		}
	}
	return code, err.Kind.Message()
}

func validationMessage(err *core.ValidationError) interface{} {
	if err.Fields == nil {
		return err.Error()
	}
	fldErrs := make(map[string]string, len(err.Fields))
	for _, fErr := range err.Fields {
		fldErrs[fErr.Field] = fErr.Error
	}
	return fldErrs
}
