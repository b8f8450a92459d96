package httpkit

import "github.com/gin-gonic/gin"

// Caller returns the service name ServiceAuth attached to the request, or
// "anonymous" when authentication is disabled.
func Caller(c *gin.Context) string {
	if v, ok := c.Get(ContextServiceKey); ok {
		if name, ok := v.(string); ok && name != "" {
			return name
		}
	}
	return "anonymous"
}
