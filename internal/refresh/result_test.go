package refresh

import (
	"testing"
	"time"
)

func TestResultExpiresWithin(t *testing.T) {
	now := time.Now()
	r := &Result{ExpiresAt: now.Add(time.Minute)}

	if r.ExpiresWithin(now) {
		t.Error("expected a Result expiring in a minute not to be expired right now")
	}
	if !r.ExpiresWithin(now.Add(2 * time.Minute)) {
		t.Error("expected a Result to report expired once its ExpiresAt has passed")
	}
	if !r.ExpiresWithin(r.ExpiresAt) {
		t.Error("expected ExpiresWithin to treat the exact expiry instant as expired")
	}
}
