// Package util runs the throwaway infrastructure used by broker-backed tests.
package util

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// EnvE2E enables container-backed tests when set to a non-empty value.
const EnvE2E = "VPP_E2E"

const (
	mosquittoImage = "eclipse-mosquitto:2.0"
	startTimeout   = 2 * time.Minute
	connectTimeout = 5 * time.Second
)

// Anonymous listener without persistence, one broker per test.
const mosquittoConf = `listener 1883
allow_anonymous true
persistence false
log_dest stdout
log_type error
log_type warning
`

// E2EEnabled reports whether container-backed tests should run.
func E2EEnabled() bool { return os.Getenv(EnvE2E) != "" }

// Mosquitto returns the URL of a broker that lives until t ends. The test
// is skipped in -short mode, without VPP_E2E, or when docker is unavailable.
func Mosquitto(t testing.TB) string {
	t.Helper()
	if testing.Short() || !E2EEnabled() {
		t.Skipf("set %s to run broker-backed tests", EnvE2E)
	}
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        mosquittoImage,
			ExposedPorts: []string{"1883/tcp"},
			Files: []tc.ContainerFile{{
				Reader:            strings.NewReader(mosquittoConf),
				ContainerFilePath: "/mosquitto/config/mosquitto.conf",
				FileMode:          0o644,
			}},
			WaitingFor: wait.ForListeningPort("1883/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("mosquitto unavailable: %v", err)
	}
	t.Cleanup(func() { _ = cont.Terminate(context.Background()) })

	endpoint, err := cont.PortEndpoint(ctx, "1883/tcp", "tcp")
	if err != nil {
		t.Fatalf("mosquitto endpoint: %v", err)
	}
	if err := awaitBroker(ctx, endpoint); err != nil {
		t.Fatalf("mosquitto %s: %v", endpoint, err)
	}
	return endpoint
}

// awaitBroker retries an MQTT connect until the broker accepts one. The
// port can be open before mosquitto serves it.
func awaitBroker(ctx context.Context, broker string) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	opts := paho.NewClientOptions().AddBroker(broker).SetClientID("vpp-readiness")
	for {
		cli := paho.NewClient(opts)
		token := cli.Connect()
		token.Wait()
		if token.Error() == nil {
			cli.Disconnect(0)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no connect: %w", token.Error())
		case <-time.After(50 * time.Millisecond):
		}
	}
}
