package entitlement

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Limit is a quota ceiling that is either a finite non-negative number or
// unlimited. The zero value is unlimited.
type Limit struct {
	n      int64
	finite bool
}

// Unlimited returns a Limit that allows any usage.
func Unlimited() Limit { return Limit{} }

// LimitOf returns a finite limit of n. Negative values are clamped to zero.
func LimitOf(n int64) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{n: n, finite: true}
}

func (l Limit) IsUnlimited() bool { return !l.finite }

// Value returns the ceiling and whether it is finite.
func (l Limit) Value() (int64, bool) { return l.n, l.finite }

// Allows reports whether used+needed fits under the limit.
func (l Limit) Allows(used, needed int64) bool {
	return !l.finite || needed <= l.n-used
}

// Remaining is the headroom left after used, never negative. The second
// result is false for unlimited.
func (l Limit) Remaining(used int64) (int64, bool) {
	if !l.finite {
		return 0, false
	}
	if r := l.n - used; r > 0 {
		return r, true
	}
	return 0, true
}

func (l Limit) String() string {
	if !l.finite {
		return "unlimited"
	}
	return strconv.FormatInt(l.n, 10)
}

// Ptr returns the limit as *int64, nil meaning unlimited.
func (l Limit) Ptr() *int64 {
	if !l.finite {
		return nil
	}
	n := l.n
	return &n
}

// MarshalJSON encodes unlimited as null.
func (l Limit) MarshalJSON() ([]byte, error) {
	if !l.finite {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(l.n, 10)), nil
}

// UnmarshalJSON accepts null, integers and integer strings.
func (l *Limit) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = Unlimited()
		return nil
	}
	s := strings.Trim(string(data), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != float64(int64(f)) {
			return fmt.Errorf("quota limit %s: not an integer", data)
		}
		n = int64(f)
	}
	if n < 0 {
		return fmt.Errorf("quota limit %d: must not be negative", n)
	}
	*l = LimitOf(n)
	return nil
}

// ParseLimit parses "unlimited", "" or a non-negative integer.
func ParseLimit(s string) (Limit, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "unlimited" || s == "null" {
		return Unlimited(), nil
	}
	var l Limit
	if err := l.UnmarshalJSON([]byte(s)); err != nil {
		return Limit{}, err
	}
	return l, nil
}

// Quotas maps quota keys to limits. A missing key means unlimited.
type Quotas map[string]Limit

// Get reports the limit for key and whether key is present.
func (q Quotas) Get(key string) (Limit, bool) {
	l, ok := q[key]
	return l, ok
}
