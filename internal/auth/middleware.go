package auth

import (
	"github.com/gin-gonic/gin"

	"github.com/ageniuscoder/mmchat/dmcore/internal/httpx"
)

type ctxKey string //these two lines  ensures safe storage/retrieval in context.Context.
const CtxUserID ctxKey = "uid"

// Middleware admits REST requests through the gate using the bearer header.
func Middleware(gate *Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, err := gate.Admit(c.Request.Context(), BearerToken(c.Request))
		if err != nil {
			httpx.Fail(c, err)
			return
		}

		c.Set(string(CtxUserID), uid)
		c.Next()
	}
}

func MustUserID(c *gin.Context) string {
	if v, ok := c.Get(string(CtxUserID)); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
