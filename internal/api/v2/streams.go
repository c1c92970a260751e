package api

import "github.com/labstack/echo/v4"

// initStreamRoutes registers the realtime transports
func (c *Controller) initStreamRoutes() {
	if c.sseHandler != nil {
		c.Group.GET("/stream", c.userScoped(c.sseHandler))
	}
	if c.wsHandler != nil {
		c.Group.GET("/ws", c.userScoped(c.wsHandler))
	}
}

// userScoped puts the auth middleware in front of stream requests that join
// a user room. Station and global rooms stay public like the other reads.
func (c *Controller) userScoped(h echo.HandlerFunc) echo.HandlerFunc {
	if c.authMiddleware == nil {
		return h
	}
	guarded := c.authMiddleware(h)
	return func(ctx echo.Context) error {
		if ctx.QueryParam("user") == "" {
			return h(ctx)
		}
		return guarded(ctx)
	}
}
