package entitlement

import (
	"encoding/json"
	"math"
	"testing"
)

func TestLimitAllows(t *testing.T) {
	tests := []struct {
		limit        Limit
		used, needed int64
		want         bool
	}{
		{Unlimited(), 1 << 40, 1, true},
		{LimitOf(2), 1, 1, true},
		{LimitOf(2), 2, 1, false},
		{LimitOf(0), 0, 1, false},
		{LimitOf(10), 4, 6, true},
		{LimitOf(1000), 10, math.MaxInt64, false},
		{LimitOf(math.MaxInt64), math.MaxInt64, 1, false},
	}
	for _, tt := range tests {
		if got := tt.limit.Allows(tt.used, tt.needed); got != tt.want {
			t.Errorf("%s.Allows(%d, %d) = %v", tt.limit, tt.used, tt.needed, got)
		}
	}
}

func TestLimitRemaining(t *testing.T) {
	if _, finite := Unlimited().Remaining(5); finite {
		t.Error("unlimited has no remaining count")
	}
	if r, _ := LimitOf(5).Remaining(2); r != 3 {
		t.Errorf("remaining = %d", r)
	}
	if r, _ := LimitOf(5).Remaining(9); r != 0 {
		t.Errorf("remaining must not go negative, got %d", r)
	}
}

func TestQuotasJSON(t *testing.T) {
	var q Quotas
	if err := json.Unmarshal([]byte(`{"max_units": 25, "max_users": null, "api_requests_per_day": "1000"}`), &q); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if q[KeyMaxUnits].String() != "25" || q[KeyAPIRequestsPerDay].String() != "1000" {
		t.Errorf("decoded = %v", q)
	}
	if l, ok := q.Get(KeyMaxUsers); !ok || !l.IsUnlimited() {
		t.Errorf("null must decode to a present unlimited override")
	}

	data, err := json.Marshal(Quotas{KeyMaxUnits: LimitOf(5), KeyMaxUsers: Unlimited()})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"max_units":5,"max_users":null}` {
		t.Errorf("encoded = %s", data)
	}

	var bad Limit
	if err := json.Unmarshal([]byte(`-1`), &bad); err == nil {
		t.Error("negative limits must be rejected")
	}
}

func TestParseLimit(t *testing.T) {
	for in, want := range map[string]string{"": "unlimited", "Unlimited": "unlimited", "42": "42"} {
		l, err := ParseLimit(in)
		if err != nil || l.String() != want {
			t.Errorf("ParseLimit(%q) = %s, %v", in, l, err)
		}
	}
	if _, err := ParseLimit("lots"); err == nil {
		t.Error("expected error")
	}
}
