// Package testutil holds integration-test helpers for Postgres, Redis and the AMQP broker.
// Every Setup/Skip helper skips when its infrastructure is unreachable, unless
// TEST_REQUIRE_INFRA (or the per-backend TEST_REQUIRE_* flag) turns the skip into a failure.
package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"
)

// TestingTB is the subset of testing.TB the helpers need.
type TestingTB interface {
	Helper()
	Cleanup(func())
	Skip(args ...any)
	Skipf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
}

// unavailable fails when the backend is required and skips otherwise.
func unavailable(t TestingTB, required bool, what string, err error) {
	t.Helper()
	if required {
		t.Fatalf("%s not available: %v", what, err)
	}
	t.Skipf("%s not available: %v", what, err)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

func required(backend string) bool {
	return envBool("TEST_REQUIRE_"+backend) || envBool("TEST_REQUIRE_INFRA")
}

// randomSuffix returns 8 lowercase hex chars, safe for schema and queue names.
func randomSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())[:8]
	}
	return hex.EncodeToString(b)
}
