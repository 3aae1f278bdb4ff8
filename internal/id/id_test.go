package id

import (
	"encoding/json"
	"testing"
	"time"
)

func TestGeneratorMonotonic(t *testing.T) {
	t.Parallel()

	g := NewGenerator(7)
	prev := g.New()
	for i := 0; i < 10_000; i++ {
		next := g.New()
		if Compare(prev, next) >= 0 {
			t.Fatalf("ids not strictly increasing: %s >= %s", prev, next)
		}
		prev = next
	}
}

func TestGeneratorTextOrderMatchesNumericOrder(t *testing.T) {
	t.Parallel()

	g := NewGenerator(1)
	ids := make([]ID, 1000)
	for i := range ids {
		ids[i] = g.New()
	}
	for i := 1; i < len(ids); i++ {
		if Compare(ids[i-1], ids[i]) >= 0 {
			t.Fatalf("numeric order violated at %d", i)
		}
		if ids[i-1].String() >= ids[i].String() {
			t.Fatalf("text order violated at %d: %s >= %s", i, ids[i-1], ids[i])
		}
	}
}

func TestGeneratorWorkerIDRoundTrip(t *testing.T) {
	t.Parallel()

	g := NewGenerator(4242)
	got := g.New().WorkerID()
	if got != 4242 {
		t.Fatalf("WorkerID() = %d, want 4242", got)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	t.Parallel()

	g := NewGenerator(0)
	before := time.Now().Add(-time.Millisecond)
	got := g.New()
	after := time.Now().Add(time.Millisecond)

	stamp := got.Time()
	if stamp.Before(before) || stamp.After(after) {
		t.Fatalf("Time() = %v, want between %v and %v", stamp, before, after)
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	g := NewGenerator(2)
	want := g.New()
	parsed, err := Parse(want.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != want {
		t.Fatalf("Parse(%s) = %s, want %s", want, parsed, want)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []string{"", "too-short", "!!!!!!!!!!!!!!!!!!!!!!!!!!"}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Fatalf("Parse(%q) succeeded, want error", c)
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()

	g := NewGenerator(9)
	want := g.New()

	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got ID
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("round trip = %s, want %s", got, want)
	}
}

func TestJSONNull(t *testing.T) {
	t.Parallel()

	var got ID
	if err := json.Unmarshal([]byte("null"), &got); err != nil {
		t.Fatalf("Unmarshal null: %v", err)
	}
	if got != Nil {
		t.Fatalf("Unmarshal null = %s, want Nil", got)
	}
}

func TestScanValueRoundTrip(t *testing.T) {
	t.Parallel()

	g := NewGenerator(3)
	want := g.New()

	v, err := want.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}

	var got ID
	if err := got.Scan(v); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got != want {
		t.Fatalf("round trip = %s, want %s", got, want)
	}
}

func TestNilValueIsSQLNull(t *testing.T) {
	t.Parallel()

	v, err := Nil.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if v != nil {
		t.Fatalf("Value() = %v, want nil", v)
	}
}
