package channels

import (
	"context"
	"errors"
	"fmt"

	"github.com/franzego/teleconsult/internal/models"
	"github.com/redis/go-redis/v9"
)

type PushPublisher interface {
	PublishPush(ctx context.Context, message interface{}) error
}

// PushMessage is what workers on the push queue receive.
type PushMessage struct {
	NotificationID string          `json:"notification_id"`
	UserID         string          `json:"user_id"`
	Title          string          `json:"title"`
	Message        string          `json:"message"`
	Priority       models.Priority `json:"priority"`
	Type           string          `json:"type"`
}

// PushSink is the permission-gated platform notification surface. The
// permission per user lives in Redis so every replica sees the same answer.
type PushSink struct {
	publisher PushPublisher
	redis     *redis.Client
}

func NewPushSink(publisher PushPublisher, client *redis.Client) *PushSink {
	return &PushSink{publisher: publisher, redis: client}
}

func permissionKey(userID string) string {
	return fmt.Sprintf("push:permission:%s", userID)
}

func (p *PushSink) Permission(ctx context.Context, userID string) (models.PushPermission, error) {
	v, err := p.redis.Get(ctx, permissionKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.PermissionDefault, nil
	}
	if err != nil {
		return models.PermissionDefault, err
	}
	return models.PushPermission(v), nil
}

func (p *PushSink) SetPermission(ctx context.Context, userID string, perm models.PushPermission) error {
	return p.redis.Set(ctx, permissionKey(userID), string(perm), 0).Err()
}

func (p *PushSink) Push(ctx context.Context, rec models.NotificationRecord) error {
	return p.publisher.PublishPush(ctx, PushMessage{
		NotificationID: rec.ID,
		UserID:         rec.UserID,
		Title:          rec.Title,
		Message:        rec.Message,
		Priority:       rec.Priority,
		Type:           rec.Type,
	})
}
