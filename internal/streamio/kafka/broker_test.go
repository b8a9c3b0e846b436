//go:build testcontainers

package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// setupKafkaContainer starts a Kafka container and returns the broker address.
func setupKafkaContainer(t *testing.T) []string {
	t.Helper()

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image: "docker.io/apache/kafka-native:latest",
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.NetworkMode = "host"
		},
		User: "root",
		Env: map[string]string{
			"KAFKA_NODE_ID":                                   "1",
			"KAFKA_PROCESS_ROLES":                             "broker,controller",
			"KAFKA_CONTROLLER_QUORUM_VOTERS":                  "1@localhost:9093",
			"KAFKA_CONTROLLER_LISTENER_NAMES":                 "CONTROLLER",
			"KAFKA_LISTENERS":                                 "PLAINTEXT://0.0.0.0:9092,CONTROLLER://0.0.0.0:9093",
			"KAFKA_ADVERTISED_LISTENERS":                      "PLAINTEXT://localhost:9092",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":            "PLAINTEXT:PLAINTEXT,CONTROLLER:PLAINTEXT",
			"KAFKA_INTER_BROKER_LISTENER_NAME":                "PLAINTEXT",
			"KAFKA_LOG_DIRS":                                  "/var/lib/kafka/data",
			"KAFKA_CLUSTER_ID":                                "WmV3pZkQR0O6n5j3x8j6bg==",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR":          "1",
			"KAFKA_TRANSACTION_STATE_LOG_REPLICATION_FACTOR":  "1",
			"KAFKA_TRANSACTION_STATE_LOG_MIN_ISR":             "1",
			"KAFKA_GROUP_INITIAL_REBALANCE_DELAY_MS":          "0",
			"KAFKA_AUTO_CREATE_TOPICS_ENABLE":                 "false",
		},
		WaitingFor: wait.ForLog("Kafka Server started").WithStartupTimeout(60 * time.Second),
	}

	kafkaContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start Kafka container")
	t.Cleanup(func() {
		require.NoError(t, kafkaContainer.Terminate(context.Background()))
	})

	time.Sleep(2 * time.Second)
	return []string{"localhost:9092"}
}

func createTopic(t *testing.T, brokers []string, topic string) {
	t.Helper()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	require.NoError(t, err)
	defer client.Close()

	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopics(context.Background(), 1, 1, nil, topic)
	require.NoError(t, err)
	for _, r := range resp {
		require.NoError(t, r.Err)
	}
	time.Sleep(time.Second)
}

func decodeString(b []byte) (any, error) { return string(b), nil }

func TestBroker_WatermarksAndFetchAt(t *testing.T) {
	brokers := setupKafkaContainer(t)
	const topic = "broker-test-topic"
	createTopic(t, brokers, topic)

	producer, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	require.NoError(t, err)
	defer producer.Close()

	for _, v := range []string{"a", "b", "c"} {
		result := producer.ProduceSync(context.Background(), &kgo.Record{Topic: topic, Value: []byte(v)})
		require.NoError(t, result.FirstErr())
	}
	require.NoError(t, producer.Flush(context.Background()))

	broker, err := NewBroker(brokers, topic, 0, decodeString)
	require.NoError(t, err)
	defer broker.Close()

	low, high, err := broker.Watermarks(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), low)
	require.Equal(t, int64(3), high)

	_, value, err := broker.FetchAt(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "b", value)
}
