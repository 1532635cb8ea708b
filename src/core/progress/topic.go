package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Topic carries progress updates from ingestion workers to the broadcaster.
const Topic = "ingest.progress"

const (
	metadataProject = "project_id"
	metadataSession = "session_id"
)

// Publisher emits updates on a watermill topic. Ingestion only ever talks to
// the topic; delivery to clients is the broadcaster's job.
type Publisher struct {
	pub   message.Publisher
	topic string
	now   func() time.Time
}

func NewPublisher(pub message.Publisher) *Publisher {
	return &Publisher{pub: pub, topic: Topic, now: time.Now}
}

func (p *Publisher) Publish(ctx context.Context, u Update) error {
	if u.Timestamp.IsZero() {
		u.Timestamp = p.now().UTC()
	}

	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal progress update: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataProject, u.ProjectID)
	msg.Metadata.Set(metadataSession, u.SessionID)
	msg.SetContext(ctx)

	if err := p.pub.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish progress update: %w", err)
	}
	return nil
}

func Decode(msg *message.Message) (Update, error) {
	var u Update
	if err := json.Unmarshal(msg.Payload, &u); err != nil {
		return Update{}, fmt.Errorf("failed to unmarshal progress update: %w", err)
	}
	if u.ProjectID == "" {
		u.ProjectID = msg.Metadata.Get(metadataProject)
	}
	if u.SessionID == "" {
		u.SessionID = msg.Metadata.Get(metadataSession)
	}
	if !u.Status.Valid() {
		return Update{}, fmt.Errorf("unknown progress status %q", u.Status)
	}
	return u, nil
}
