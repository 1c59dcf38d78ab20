package auth

import (
	"context"
	"sync"
	"time"
)

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

type verificationRecord struct {
	scheme   string
	success  bool
	reason   string
	duration time.Duration
}

type recordingMetrics struct {
	mu      sync.Mutex
	records []verificationRecord
}

func (m *recordingMetrics) RecordVerification(_ context.Context, scheme string, success bool, reason string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, verificationRecord{scheme: scheme, success: success, reason: reason, duration: duration})
}
