package scim

import "testing"

func TestBackoff_ExponentialUntilCap(t *testing.T) {
	policy := RetryPolicy{InitialBackoffMS: 1000, MaxBackoffMS: 10000, Multiplier: 2.0}

	cases := []struct {
		n    int
		want int64
	}{
		{0, 1000},
		{1, 2000},
		{2, 4000},
		{3, 8000},
		{4, 10000}, // would be 16000, capped at MaxBackoffMS
		{5, 10000},
	}
	for _, c := range cases {
		got := Backoff(c.n, policy)
		if got.Milliseconds() != c.want {
			t.Errorf("Backoff(%d) = %dms, want %dms", c.n, got.Milliseconds(), c.want)
		}
	}
}

func TestBackoff_NegativeRetryCountTreatedAsZero(t *testing.T) {
	policy := RetryPolicy{InitialBackoffMS: 1000, MaxBackoffMS: 10000, Multiplier: 2.0}
	if got := Backoff(-1, policy); got.Milliseconds() != 1000 {
		t.Errorf("Backoff(-1) = %dms, want 1000ms", got.Milliseconds())
	}
}

func TestIsExhausted(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5}

	if IsExhausted(4, policy) {
		t.Error("retryCount 4 should not be exhausted against MaxRetries 5")
	}
	if !IsExhausted(5, policy) {
		t.Error("retryCount 5 should be exhausted against MaxRetries 5")
	}
	if !IsExhausted(6, policy) {
		t.Error("retryCount beyond MaxRetries should be exhausted")
	}
}
