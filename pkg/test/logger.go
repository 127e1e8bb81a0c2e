// SPDX-License-Identifier: AGPL-3.0-only

package test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/go-kit/log"
)

// TestingLogger forwards go-kit log lines to t.Log and keeps them so tests
// can assert on what was logged.
type TestingLogger struct {
	t testing.TB

	mu      sync.Mutex
	records []map[string]string
}

var _ log.Logger = (*TestingLogger)(nil)

func NewTestingLogger(t testing.TB) *TestingLogger {
	return &TestingLogger{
		t: t,
	}
}

func (l *TestingLogger) Log(keyvals ...interface{}) error {
	l.t.Log(keyvals...)
	r := make(map[string]string, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		r[fmt.Sprint(keyvals[i])] = fmt.Sprint(keyvals[i+1])
	}
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
	return nil
}

// Messages returns the msg of every record logged at lvl.
func (l *TestingLogger) Messages(lvl string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var msgs []string
	for _, r := range l.records {
		if r["level"] == lvl {
			msgs = append(msgs, r["msg"])
		}
	}
	return msgs
}
