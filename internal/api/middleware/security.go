package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Hardening returns the middleware chain for a loopback control API: CORS
// limited to origins, a request body cap and headers that keep responses out
// of browser frames and caches. There is no TLS, so no HSTS.
func Hardening(origins []string, bodyLimit string) []echo.MiddlewareFunc {
	return []echo.MiddlewareFunc{
		middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
		}),
		middleware.BodyLimit(bodyLimit),
		middleware.SecureWithConfig(middleware.SecureConfig{
			ContentTypeNosniff:    "nosniff",
			XFrameOptions:         "DENY",
			ContentSecurityPolicy: "default-src 'none'",
		}),
		func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
				return next(c)
			}
		},
	}
}

// NewTokenAuth requires "Authorization: Bearer <token>" on every request the
// skipper does not exempt.
func NewTokenAuth(token string, skipper middleware.Skipper) echo.MiddlewareFunc {
	want := []byte(token)
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Skipper:    skipper,
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), want) == 1, nil
		},
	})
}
