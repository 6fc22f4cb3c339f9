package users

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ageniuscoder/mmchat/dmcore/internal/auth"
	"github.com/ageniuscoder/mmchat/dmcore/internal/httpx"
)

type Service struct {
	Store *Store
}

type presenceView struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
	LastSeen any    `json:"lastSeen"`
}

func Register(rg gin.IRoutes, store *Store) {
	s := Service{
		Store: store,
	}
	rg.GET("/me", s.getMe)
	rg.GET("/users/:id/presence", s.getPresence)
}

func (s Service) getMe(c *gin.Context) {
	u, err := s.Store.Get(c.Request.Context(), auth.MustUserID(c))
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.Data(c, http.StatusOK, u)
}

func (s Service) getPresence(c *gin.Context) {
	u, err := s.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	v := presenceView{UserID: u.ID, IsOnline: u.IsOnline}
	if u.LastSeenAt != nil {
		v.LastSeen = u.LastSeenAt
	}
	httpx.Data(c, http.StatusOK, v)
}
