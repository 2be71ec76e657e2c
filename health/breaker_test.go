package health

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker() (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewCircuitBreaker(0, 0)
	b.setClock(clock.now)
	return b, clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.RecordFailure()
		if !b.Allows() {
			t.Fatalf("breaker opened after %d failures, threshold is %d", i+1, DefaultFailureThreshold)
		}
	}
	b.RecordFailure()
	if b.Allows() {
		t.Fatal("breaker should be open at the failure threshold")
	}
	if got := b.State(); got != StateOpen {
		t.Errorf("state = %s, want OPEN", got)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	if b.FailureCount() != 0 {
		t.Errorf("failure count = %d after success, want 0", b.FailureCount())
	}
	b.RecordFailure()
	if !b.Allows() {
		t.Error("one failure after a success should not open the breaker")
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure()
	}
	if b.Allows() {
		t.Fatal("breaker should be open")
	}

	clock.advance(DefaultCooldown - time.Second)
	if b.Allows() {
		t.Fatal("breaker admitted traffic before cooldown elapsed")
	}

	clock.advance(2 * time.Second)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %s after cooldown, want HALF_OPEN", got)
	}
	if !b.Allows() {
		t.Fatal("half-open breaker should admit a probe")
	}
}

func TestBreakerHalfOpenProbeOutcomes(t *testing.T) {
	// Probe success closes.
	b, clock := newTestBreaker()
	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure()
	}
	clock.advance(DefaultCooldown)
	b.RecordSuccess()
	if got := b.State(); got != StateClosed {
		t.Errorf("state after probe success = %s, want CLOSED", got)
	}

	// Probe failure reopens and restarts the cooldown.
	b, clock = newTestBreaker()
	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure()
	}
	clock.advance(DefaultCooldown)
	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after probe failure = %s, want OPEN", got)
	}
	clock.advance(DefaultCooldown / 2)
	if b.Allows() {
		t.Error("reopened breaker should hold for a fresh cooldown")
	}
	clock.advance(DefaultCooldown / 2)
	if !b.Allows() {
		t.Error("reopened breaker should admit a probe after the fresh cooldown")
	}
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure()
	}
	clock.advance(DefaultCooldown)

	if !b.Allows() {
		t.Fatal("half-open breaker should admit the first probe")
	}
	if b.Allows() {
		t.Fatal("half-open breaker admitted a second probe before an outcome")
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %s while probe is outstanding, want HALF_OPEN", got)
	}

	// A probe failure reopens; the next cooldown frees a fresh probe.
	b.RecordFailure()
	clock.advance(DefaultCooldown)
	if !b.Allows() {
		t.Fatal("fresh probe should be admitted after the next cooldown")
	}

	// A probe success closes the breaker and lifts the latch.
	b.RecordSuccess()
	if !b.Allows() || !b.Allows() {
		t.Error("closed breaker should admit all traffic")
	}
}

func TestRegistryHalfOpenAdmitsOneProbe(t *testing.T) {
	r := NewRegistry(0, 0)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r.SetClock(clock.now)

	for i := 0; i < DefaultFailureThreshold; i++ {
		r.RecordFailure("aws")
	}
	clock.advance(DefaultCooldown)

	if !r.Eligible("aws") {
		t.Fatal("half-open provider should be eligible for one probe")
	}
	if r.Eligible("aws") {
		t.Fatal("second eligibility check admitted while the probe is outstanding")
	}
	if got := r.State("aws"); got != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", got)
	}

	r.RecordSuccess("aws")
	if got := r.State("aws"); got != StateClosed {
		t.Fatalf("state = %s after probe success, want CLOSED", got)
	}
	if !r.Eligible("aws") || !r.Eligible("aws") {
		t.Error("closed provider should stay eligible")
	}
}

func TestRegistryEligibility(t *testing.T) {
	r := NewRegistry(0, 0)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r.SetClock(clock.now)

	if !r.Eligible("aws") {
		t.Fatal("unknown provider should default to eligible")
	}

	r.SetHealthy("aws", false)
	if r.Eligible("aws") {
		t.Fatal("unhealthy provider should be ineligible")
	}
	r.SetHealthy("aws", true)
	if !r.Eligible("aws") {
		t.Fatal("re-enabled provider should be eligible")
	}

	// Breaker opens independently of the health bit.
	for i := 0; i < DefaultFailureThreshold; i++ {
		r.RecordFailure("aws")
	}
	if r.Eligible("aws") {
		t.Fatal("provider with an open breaker should be ineligible")
	}
	clock.advance(DefaultCooldown)
	if !r.Eligible("aws") {
		t.Fatal("provider should be eligible again once the breaker half-opens")
	}
}

func TestRegistryView(t *testing.T) {
	r := NewRegistry(0, 0)
	r.Seed("aws", "gcp")
	r.SetHealthy("gcp", false)

	view := r.View()
	if len(view) != 2 {
		t.Fatalf("view has %d providers, want 2", len(view))
	}
	if !view["aws"].Healthy {
		t.Error("aws should be healthy in view")
	}
	if view["gcp"].Healthy {
		t.Error("gcp should be unhealthy in view")
	}
	if view["aws"].Breaker.State != StateClosed {
		t.Errorf("aws breaker state = %s, want CLOSED", view["aws"].Breaker.State)
	}
}
