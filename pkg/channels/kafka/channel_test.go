package kafka

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
)

func TestCreateChannel_RequiresConfiguration(t *testing.T) {
	logger := watermill.NopLogger{}

	_, _, err := CreateChannel(logger, Config{ConsumerGroup: "cg-test"})
	assert.ErrorContains(t, err, "brokers")

	_, _, err = CreateChannel(logger, Config{Brokers: []string{"localhost:9092"}})
	assert.ErrorContains(t, err, "consumer group")
}
