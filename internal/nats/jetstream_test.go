package natsjs

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestStreamConfigCoversMailSubjects(t *testing.T) {
	cfg := StreamConfig(DefaultStream)

	assert.Equal(t, "MAIL_EVENTS", cfg.Name)
	assert.Equal(t, []string{"mail.>"}, cfg.Subjects)
	assert.Equal(t, nats.FileStorage, cfg.Storage)
	assert.Equal(t, 10*time.Minute, cfg.Duplicates)
}

func TestNewPublisherUnreachable(t *testing.T) {
	_, err := NewPublisher("nats://127.0.0.1:1", "")
	assert.Error(t, err)
}
