// Package domain retry policy: per-class attempt limits and backoff.
package domain

import (
	"math/rand"
	"time"
)

// Workload classes. The closed set each job must belong to; every class has
// its own queue, DLX/DLQ and retry policy.
const (
	ClassDefault = "default"
	ClassModel   = "model"
	ClassCAM     = "cam"
	ClassSim     = "sim"
	ClassReport  = "report"
	ClassERP     = "erp"
)

// backoffBase is the pre-jitter base delay for attempt 0.
const backoffBase = 2 * time.Second

// Policy is the per-class retry/time-limit tuple (C2).
type Policy struct {
	Class      string
	MaxRetries int
	BackoffCap time.Duration
	SoftLimit  time.Duration
	HardLimit  time.Duration
	QueueTTL   time.Duration
}

// DefaultPolicies returns the reference per-class policy table.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ClassDefault: {Class: ClassDefault, MaxRetries: 3, BackoffCap: 20 * time.Second, SoftLimit: 540 * time.Second, HardLimit: 600 * time.Second, QueueTTL: 10 * time.Minute},
		ClassModel:   {Class: ClassModel, MaxRetries: 5, BackoffCap: 60 * time.Second, SoftLimit: 840 * time.Second, HardLimit: 900 * time.Second, QueueTTL: 15 * time.Minute},
		ClassCAM:     {Class: ClassCAM, MaxRetries: 5, BackoffCap: 60 * time.Second, SoftLimit: 840 * time.Second, HardLimit: 900 * time.Second, QueueTTL: 15 * time.Minute},
		ClassSim:     {Class: ClassSim, MaxRetries: 5, BackoffCap: 60 * time.Second, SoftLimit: 840 * time.Second, HardLimit: 900 * time.Second, QueueTTL: 15 * time.Minute},
		ClassReport:  {Class: ClassReport, MaxRetries: 5, BackoffCap: 45 * time.Second, SoftLimit: 540 * time.Second, HardLimit: 600 * time.Second, QueueTTL: 10 * time.Minute},
		ClassERP:     {Class: ClassERP, MaxRetries: 5, BackoffCap: 45 * time.Second, SoftLimit: 540 * time.Second, HardLimit: 600 * time.Second, QueueTTL: 10 * time.Minute},
	}
}

// Delay returns the backoff for attempt n (0-based): min(cap, base*2^n)
// with full multiplicative jitter in [0.5, 1.5). Clamping happens before
// jitter so the cap itself still spreads out.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffCap {
			d = p.BackoffCap
			break
		}
	}
	if d > p.BackoffCap {
		d = p.BackoffCap
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// Exhausted reports whether attemptCount has used up the retry budget.
func (p Policy) Exhausted(attemptCount int) bool {
	return attemptCount >= p.MaxRetries
}
