package chats

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ageniuscoder/mmchat/dmcore/internal/auth"
	"github.com/ageniuscoder/mmchat/dmcore/internal/domain"
	"github.com/ageniuscoder/mmchat/dmcore/internal/httpx"
	"github.com/ageniuscoder/mmchat/dmcore/internal/utils"
)

// Directory reads the presence facet of users.
type Directory interface {
	Get(ctx context.Context, id string) (*domain.User, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// MessageReader supplies the per-chat message summary.
type MessageReader interface {
	Get(ctx context.Context, id string) (*domain.Message, error)
	CountUnread(ctx context.Context, recipientID, senderID string) (int, error)
}

type Service struct {
	Index    *Index
	Users    Directory
	Messages MessageReader
}

type createReq struct {
	ParticipantID string `json:"participantId" binding:"required"`
}

// chatView is a chat as seen by one participant.
type chatView struct {
	ID            string          `json:"id"`
	Participants  [2]string       `json:"participants"`
	Counterpart   *domain.User    `json:"counterpart"`
	LastMessage   *domain.Message `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time      `json:"lastMessageAt,omitempty"`
	UnreadCount   int             `json:"unreadCount"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func Register(rg gin.IRoutes, index *Index, users Directory, msgs MessageReader) {
	s := Service{
		Index:    index,
		Users:    users,
		Messages: msgs,
	}
	rg.POST("/chats/create", s.create)
	rg.GET("/chats/my", s.listMine)
	rg.GET("/chats/user/:userId", s.byUser)
	rg.GET("/chats/:chatId", s.get)
	rg.DELETE("/chats/:chatId", s.remove)
}

func (s Service) create(c *gin.Context) {
	uid := auth.MustUserID(c)
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.Invalid(c, utils.BindingErr(err))
		return
	}
	ctx := c.Request.Context()
	if req.ParticipantID == uid {
		httpx.Fail(c, fmt.Errorf("%w: cannot create a chat with yourself", domain.ErrInvalidInput))
		return
	}
	ok, err := s.Users.Exists(ctx, req.ParticipantID)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	if !ok {
		httpx.Fail(c, fmt.Errorf("user %s: %w", req.ParticipantID, domain.ErrNotFound))
		return
	}
	chat, err := s.Index.FindOrCreate(ctx, uid, req.ParticipantID)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	s.respond(c, chat, uid)
}

func (s Service) listMine(c *gin.Context) {
	uid := auth.MustUserID(c)
	ctx := c.Request.Context()
	list, err := s.Index.ListForUser(ctx, uid)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	views := make([]chatView, 0, len(list))
	for _, chat := range list {
		v, err := s.view(ctx, chat, uid)
		if err != nil {
			httpx.Fail(c, err)
			return
		}
		views = append(views, *v)
	}
	httpx.Data(c, http.StatusOK, views)
}

func (s Service) get(c *gin.Context) {
	uid := auth.MustUserID(c)
	chat, err := s.Index.GetForUser(c.Request.Context(), c.Param("chatId"), uid)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	s.respond(c, chat, uid)
}

func (s Service) byUser(c *gin.Context) {
	uid := auth.MustUserID(c)
	chat, err := s.Index.FindByPair(c.Request.Context(), uid, c.Param("userId"))
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	s.respond(c, chat, uid)
}

func (s Service) remove(c *gin.Context) {
	uid := auth.MustUserID(c)
	if err := s.Index.DeleteForUser(c.Request.Context(), c.Param("chatId"), uid); err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.Data(c, http.StatusOK, gin.H{"id": c.Param("chatId")})
}

func (s Service) respond(c *gin.Context, chat *domain.Chat, uid string) {
	v, err := s.view(c.Request.Context(), chat, uid)
	if err != nil {
		httpx.Fail(c, err)
		return
	}
	httpx.Data(c, http.StatusOK, v)
}

func (s Service) view(ctx context.Context, chat *domain.Chat, uid string) (*chatView, error) {
	other := chat.Counterpart(uid)
	v := &chatView{
		ID:            chat.ID,
		Participants:  chat.Participants,
		LastMessageAt: chat.LastMessageAt,
		CreatedAt:     chat.CreatedAt,
	}

	u, err := s.Users.Get(ctx, other)
	switch {
	case err == nil:
		v.Counterpart = u
	case errors.Is(err, domain.ErrNotFound):
		v.Counterpart = &domain.User{ID: other}
	default:
		return nil, err
	}

	if chat.LastMessageID != "" {
		m, err := s.Messages.Get(ctx, chat.LastMessageID)
		switch {
		case err == nil:
			if !m.IsDeleted && !m.HiddenFor(uid) {
				v.LastMessage = m
			}
		case !errors.Is(err, domain.ErrNotFound):
			return nil, err
		}
	}

	n, err := s.Messages.CountUnread(ctx, uid, other)
	if err != nil {
		return nil, err
	}
	v.UnreadCount = n
	return v, nil
}
