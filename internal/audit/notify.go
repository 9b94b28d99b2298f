package audit

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"claimcare/internal/models"
	"claimcare/internal/redis"
)

const statusChannelPrefix = "audit:status:"

type statusMessage struct {
	AuditID string `json:"audit_id"`
	Status  string `json:"status"`
}

// Notifier broadcasts audit status transitions over redis pub/sub so
// event streams on any instance see payments reconciled by another.
type Notifier struct {
	client *redis.Client
	log    *logrus.Logger
}

func NewNotifier(client *redis.Client, log *logrus.Logger) *Notifier {
	return &Notifier{client: client, log: log}
}

// PublishStatus is best effort; a dropped notification only delays the
// subscriber until its next poll.
func (n *Notifier) PublishStatus(ctx context.Context, auditID string, status models.AuditStatus) {
	if n == nil || n.client == nil || auditID == "" {
		return
	}
	raw := n.client.Raw()
	if raw == nil {
		return
	}
	payload, err := json.Marshal(statusMessage{AuditID: auditID, Status: string(status)})
	if err != nil {
		return
	}
	if err := raw.Publish(ctx, statusChannelPrefix+auditID, payload).Err(); err != nil && n.log != nil {
		n.log.WithError(err).WithField("audit_id", auditID).Warn("status publish failed")
	}
}

// SubscribeStatus streams status transitions for one audit until ctx is
// done. The returned channel is closed when the subscription ends.
func (n *Notifier) SubscribeStatus(ctx context.Context, auditID string) <-chan models.AuditStatus {
	out := make(chan models.AuditStatus)
	if n == nil || n.client == nil || n.client.Raw() == nil {
		close(out)
		return out
	}
	pubsub := n.client.Raw().Subscribe(ctx, statusChannelPrefix+auditID)
	ch := pubsub.Channel()
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var sm statusMessage
				if err := json.Unmarshal([]byte(msg.Payload), &sm); err != nil {
					if n.log != nil {
						n.log.WithError(err).Warn("status message decode failed")
					}
					continue
				}
				select {
				case out <- models.AuditStatus(sm.Status):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
