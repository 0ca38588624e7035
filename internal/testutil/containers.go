//go:build integration

package testutil

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage = "postgres:16-alpine"
	mongoImage    = "mongo:7"

	postgresUser     = "factorstore"
	postgresPassword = "factorstore"
	postgresDB       = "factorstore"
)

// SkipIfNoDocker skips the test if Docker is not available.
func SkipIfNoDocker(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if exec.CommandContext(ctx, "docker", "info").Run() != nil {
		t.Skip("Skipping test: Docker not available")
	}
}

// PostgresEndpoint describes a running Postgres container.
type PostgresEndpoint struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// StartPostgres runs a throwaway Postgres and terminates it when the test
// finishes.
func StartPostgres(t *testing.T) PostgresEndpoint {
	t.Helper()
	SkipIfNoDocker(t)

	ctx := context.Background()
	container := start(t, ctx, testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithStartupTimeout(60 * time.Second),
	})

	mapped, err := container.MappedPort(ctx, "5432/tcp")
	host, port := endpoint(t, ctx, container, mapped, err)
	return PostgresEndpoint{
		Host:     host,
		Port:     port,
		User:     postgresUser,
		Password: postgresPassword,
		DBName:   postgresDB,
	}
}

// StartMongo runs a throwaway MongoDB and returns its connection URI.
func StartMongo(t *testing.T) string {
	t.Helper()
	SkipIfNoDocker(t)

	ctx := context.Background()
	container := start(t, ctx, testcontainers.ContainerRequest{
		Image:        mongoImage,
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("Waiting for connections"),
		).WithStartupTimeout(60 * time.Second),
	})

	mapped, err := container.MappedPort(ctx, "27017/tcp")
	host, port := endpoint(t, ctx, container, mapped, err)
	return fmt.Sprintf("mongodb://%s:%d", host, port)
}

func start(t *testing.T, ctx context.Context, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start %s container: %v", req.Image, err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})
	return container
}

type mappedPort interface {
	Port() string
}

func endpoint(t *testing.T, ctx context.Context, container testcontainers.Container, mapped mappedPort, err error) (string, int) {
	t.Helper()

	if err != nil {
		t.Fatalf("get mapped port: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("get container host: %v", err)
	}
	n, err := strconv.Atoi(mapped.Port())
	if err != nil {
		t.Fatalf("parse mapped port %q: %v", mapped.Port(), err)
	}
	return host, n
}
