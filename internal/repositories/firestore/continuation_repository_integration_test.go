//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	domain "github.com/clearcart/checkout-api/internal/domain"
	pconfig "github.com/clearcart/checkout-api/internal/platform/config"
	pfirestore "github.com/clearcart/checkout-api/internal/platform/firestore"
	"github.com/clearcart/checkout-api/internal/repositories"
)

func TestContinuationRepositoryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "continuation-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewContinuationRepository(provider)
	if err != nil {
		t.Fatalf("new continuation repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Millisecond)
	token := domain.ContinuationToken{
		ID:             "tok-1",
		ShopperID:      "shopper-1",
		OrderID:        "o2001",
		PaymentGroupID: "pg1",
		PaymentType:    domain.PaymentTypePayPal,
		ShippingAddress: &domain.Address{
			FirstName:  "Ada",
			Line1:      "1 Main St",
			City:       "Springfield",
			PostalCode: "12345",
		},
		ShopperContext: "ctx-override",
		RedirectedAt:   now,
		ExpiresAt:      now.Add(30 * time.Minute),
	}

	if err := repo.Save(ctx, token); err != nil {
		t.Fatalf("save token: %v", err)
	}

	taken, err := repo.Take(ctx, "tok-1")
	if err != nil {
		t.Fatalf("take token: %v", err)
	}
	if taken.ShopperID != "shopper-1" || taken.OrderID != "o2001" {
		t.Fatalf("unexpected token data: %+v", taken)
	}
	if taken.PaymentType != domain.PaymentTypePayPal {
		t.Fatalf("unexpected payment type %s", taken.PaymentType)
	}
	if taken.ShippingAddress == nil || taken.ShippingAddress.Line1 != "1 Main St" {
		t.Fatalf("expected shipping address to round-trip, got %+v", taken.ShippingAddress)
	}
	if !taken.ExpiresAt.Equal(token.ExpiresAt) {
		t.Fatalf("expected expiry %s, got %s", token.ExpiresAt, taken.ExpiresAt)
	}

	// Second take must report not found: the token is consumed exactly once.
	_, err = repo.Take(ctx, "tok-1")
	if err == nil {
		t.Fatal("expected second take to fail")
	}
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not-found repository error, got %v", err)
	}

	// Expired tokens are swept, live tokens survive.
	expired := token
	expired.ID = "tok-expired"
	expired.ExpiresAt = now.Add(-time.Minute)
	if err := repo.Save(ctx, expired); err != nil {
		t.Fatalf("save expired token: %v", err)
	}
	live := token
	live.ID = "tok-live"
	if err := repo.Save(ctx, live); err != nil {
		t.Fatalf("save live token: %v", err)
	}

	removed, err := repo.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired token removed, got %d", removed)
	}
	if _, err := repo.Take(ctx, "tok-live"); err != nil {
		t.Fatalf("expected live token to survive sweep: %v", err)
	}
}

func TestSubmissionRecordRepositoryIntegrationSharesEmulator(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "records-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewSubmissionRecordRepository(provider)
	if err != nil {
		t.Fatalf("new submission record repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		record := domain.SubmissionRecord{
			ShopperID: "shopper-1",
			OrderID:   "o3001",
			Operation: domain.OperationCreate,
			Outcome:   "submitted",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.Append(ctx, record); err != nil {
			t.Fatalf("append record %d: %v", i, err)
		}
	}

	records, err := repo.ListByOrder(ctx, "o3001", 2)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if !records[0].CreatedAt.After(records[1].CreatedAt) {
		t.Fatalf("expected newest-first ordering, got %+v", records)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
