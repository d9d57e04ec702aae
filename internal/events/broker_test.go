package events

import (
	"os"
	"testing"
)

func testBroker(t *testing.T) string {
	t.Helper()
	broker := os.Getenv("STOREFRONT_TEST_KAFKA_BROKER")
	if broker == "" {
		t.Skip("STOREFRONT_TEST_KAFKA_BROKER is required for kafka tests")
	}
	return broker
}
