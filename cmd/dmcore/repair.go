package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/ageniuscoder/mmchat/dmcore/internal/chats"
	"github.com/ageniuscoder/mmchat/dmcore/internal/delivery"
	"github.com/ageniuscoder/mmchat/dmcore/internal/domain"
	"github.com/ageniuscoder/mmchat/dmcore/internal/logger"
	"github.com/ageniuscoder/mmchat/dmcore/internal/messages"
	"github.com/ageniuscoder/mmchat/dmcore/internal/presence"
	"github.com/ageniuscoder/mmchat/dmcore/internal/storage"
	"github.com/ageniuscoder/mmchat/dmcore/internal/users"
)

// repairChat fixes the chat of a pair given as "a:b" after a send that
// stopped between storing the message and moving the chat pointer.
func repairChat(ctx context.Context, db *storage.DB, userStore *users.Store, pair string) (*domain.Chat, error) {
	a, b, ok := strings.Cut(pair, ":")
	if !ok || a == "" || b == "" {
		return nil, fmt.Errorf("%w: want userA:userB, got %q", domain.ErrInvalidInput, pair)
	}
	msgStore := messages.NewStore(db)
	index := chats.NewIndex(db, msgStore, chats.WithLogger(logger.Component("chats")))
	coord := delivery.New(msgStore, index, userStore, presence.NewLocal(),
		delivery.WithLogger(logger.Component("delivery")),
	)
	return coord.RepairChat(ctx, a, b)
}
