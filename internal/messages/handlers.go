package messages

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ageniuscoder/mmchat/dmcore/internal/auth"
	"github.com/ageniuscoder/mmchat/dmcore/internal/domain"
	"github.com/ageniuscoder/mmchat/dmcore/internal/httpx"
	"github.com/ageniuscoder/mmchat/dmcore/internal/utils"
)

// Deliverer routes sends and read receipts through the real-time core so
// REST clients get the same status handling as websocket clients.
type Deliverer interface {
	Send(ctx context.Context, senderID, recipientID string, content domain.Content) (*domain.Message, error)
	MarkRead(ctx context.Context, readerID, senderID string) (int64, error)
}

type Service struct {
	Store   *Store
	Deliver Deliverer
}

type sendReq struct {
	RecipientID string `json:"recipientId" binding:"required"`
	Text        string `json:"text" binding:"max=4096"`
	MediaID     string `json:"mediaId"`
	MediaType   string `json:"mediaType" binding:"omitempty,oneof=image video audio document"`
}

type editReq struct {
	Text string `json:"text" binding:"required,max=4096"`
}

type pageReq struct {
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=200"`
	Before string `form:"before"`
}

type searchReq struct {
	Q          string `form:"q" binding:"required"`
	ChatUserID string `form:"chatUserId"`
}

func Register(rg gin.IRoutes, store *Store, deliver Deliverer) {
	s := Service{
		Store:   store,
		Deliver: deliver,
	}
	rg.POST("/messages", s.send)
	rg.GET("/messages/search/query", s.search)
	rg.GET("/messages/:userId", s.list)
	rg.POST("/messages/:userId/read", s.markRead)
	rg.PUT("/messages/:messageId", s.edit)
	rg.DELETE("/messages/:messageId", s.remove)
}

func (s Service) send(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req sendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Invalid(c, utils.BindingErr(err))
		return
	}
	m, err := s.Deliver.Send(c.Request.Context(), uid, req.RecipientID, domain.Content{
		Text:      req.Text,
		MediaID:   req.MediaID,
		MediaType: req.MediaType,
	})
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.Data(c, http.StatusCreated, m)
}

func (s Service) list(c *gin.Context) {
	uid := auth.MustUserID(c)
	var q pageReq
	if err := c.ShouldBindQuery(&q); err != nil {
		httpx.Invalid(c, utils.BindingErr(err))
		return
	}
	before, err := parseBefore(q.Before)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	list, err := s.Store.ListConversation(c.Request.Context(), uid, c.Param("userId"), q.Limit, before)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.Data(c, http.StatusOK, list)
}

// parseBefore accepts RFC 3339 or unix milliseconds.
func parseBefore(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: before must be RFC 3339 or unix milliseconds", domain.ErrInvalidInput)
	}
	return t, nil
}

func (s Service) markRead(c *gin.Context) {
	uid := auth.MustUserID(c)
	n, err := s.Deliver.MarkRead(c.Request.Context(), uid, c.Param("userId"))
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.Data(c, http.StatusOK, gin.H{"count": n})
}

func (s Service) edit(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req editReq
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Invalid(c, utils.BindingErr(err))
		return
	}
	m, err := s.Store.Edit(c.Request.Context(), c.Param("messageId"), uid, req.Text)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.Data(c, http.StatusOK, m)
}

func (s Service) remove(c *gin.Context) {
	uid := auth.MustUserID(c)
	forEveryone, _ := strconv.ParseBool(c.DefaultQuery("forEveryone", "false"))
	if err := s.Store.Delete(c.Request.Context(), c.Param("messageId"), uid, forEveryone); err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.Data(c, http.StatusOK, gin.H{"id": c.Param("messageId"), "forEveryone": forEveryone})
}

func (s Service) search(c *gin.Context) {
	uid := auth.MustUserID(c)
	var q searchReq
	if err := c.ShouldBindQuery(&q); err != nil {
		httpx.Invalid(c, utils.BindingErr(err))
		return
	}
	list, err := s.Store.Search(c.Request.Context(), uid, q.Q, q.ChatUserID)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.Data(c, http.StatusOK, list)
}
