package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler handles GET /api/v1/ws. Upgrades to a websocket and delegates to
// the ConnManager. Requests without an Origin header (CLI, curl) are always
// accepted; browser origins must be localhost or configured.
func (s *Server) wsHandler(c *echo.Context) error {
	patterns := append([]string{"localhost:*", "127.0.0.1:*"}, s.cfg.AllowedWSOrigins...)
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: patterns,
	})
	if err != nil {
		return err
	}

	// HandleConnection blocks until the websocket closes.
	s.connManager.HandleConnection(c.Request().Context(), conn)
	return nil
}
