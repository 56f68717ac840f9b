package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/angelmondragon/mesa-payments/pkg/config"
)

func TestTopicResourceName(t *testing.T) {
	c := &Client{projectID: "mesa-prod"}

	assert.Equal(t, "projects/mesa-prod/topics/mesa-transaction-events", c.topicResourceName("mesa-transaction-events"))
	assert.Equal(t, "projects/other/topics/t", c.topicResourceName("projects/other/topics/t"))
	assert.Empty(t, c.topicResourceName("  "))
	assert.Empty(t, (&Client{}).topicResourceName("t"))
}

func TestTopicNamesSkipsBlank(t *testing.T) {
	assert.Equal(t, []string{"mesa-transaction-events"}, topicNames(config.PubSubConfig{TransactionsTopic: " mesa-transaction-events "}))
	assert.Empty(t, topicNames(config.PubSubConfig{}))
}

func TestClientOptionsPreferInlineJSON(t *testing.T) {
	assert.Len(t, clientOptions(config.GCPConfig{CredentialsJSON: `{"type":"service_account"}`, ApplicationCredentials: "/tmp/key.json"}), 1)
	assert.Len(t, clientOptions(config.GCPConfig{ApplicationCredentials: "/tmp/key.json"}), 1)
	assert.Empty(t, clientOptions(config.GCPConfig{}))
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	assert.Nil(t, c.Publisher("t"))
	assert.NoError(t, c.Close())
	assert.Error(t, c.Ping(context.Background()))
}
