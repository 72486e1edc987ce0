package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"glyphdb.dev/glyphdb/auth"
)

const sessionContextKey = "glyphdb_session"

type loginRequest struct {
	NS       string `json:"ns"`
	DB       string `json:"db"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin exchanges credentials for a bearer token (spec §4.9's
// Session/Auth boundary; token issuance itself lives entirely in
// auth.Service).
func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid login request")
	}
	res, err := s.authSv.Login(c.Request().Context(), req.NS, req.DB, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrAccountLocked) || errors.Is(err, auth.ErrAccountDisabled) {
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// sessionMiddleware resolves the Authorization bearer token into an
// auth.Session and stores it on the echo.Context for handlers to read via
// sessionFrom. A missing token proceeds with a nil session, which
// engine.checkPermission treats as having no access (spec §4.9's
// default-deny posture); an invalid or expired token is answered with 401.
func (s *Server) sessionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		if token != "" {
			sess, err := s.authSv.Authenticate(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}
			c.Set(sessionContextKey, sess)
		}
		return next(c)
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

func sessionFrom(c echo.Context) *auth.Session {
	sess, _ := c.Get(sessionContextKey).(*auth.Session)
	return sess
}
