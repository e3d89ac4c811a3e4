package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Auth returns a middleware enforcing the shared API token. The token is
// accepted as "Authorization: Bearer <token>" or an "X-API-Key" header.
// With an empty token the middleware is a no-op (auth disabled); with
// allowLoopback, requests from 127.0.0.1/::1 pass without a token.
func Auth(token string, allowLoopback bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		if allowLoopback && isLoopback(c.Request.RemoteAddr) {
			c.Next()
			return
		}
		if presented := presentedToken(c.Request); tokenEqual(presented, token) {
			c.Next()
			return
		}

		c.Header("WWW-Authenticate", `Bearer realm="credo"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: errorDetail{
			Kind:    "invalid_input",
			Message: "missing or invalid API token",
		}})
	}
}

// presentedToken extracts the client's token from either header form.
func presentedToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return rest
		}
		return ""
	}
	return r.Header.Get("X-API-Key")
}

func tokenEqual(presented, want string) bool {
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(want)) == 1
}

// isLoopback reports whether the remote address is a loopback IP.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
