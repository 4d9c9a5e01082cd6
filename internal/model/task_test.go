package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPriorityClassRank(t *testing.T) {
	assert.Less(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityLow.Rank())
}

func TestPriorityClassValid(t *testing.T) {
	for _, p := range []PriorityClass{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow} {
		assert.True(t, p.Valid())
	}
	assert.False(t, PriorityClass("urgent").Valid())
}

func TestPreemptionEligible(t *testing.T) {
	assert.True(t, PriorityCritical.PreemptionEligible())
	assert.True(t, PriorityHigh.PreemptionEligible())
	assert.False(t, PriorityNormal.PreemptionEligible())
	assert.False(t, PriorityLow.PreemptionEligible())
}

func TestTaskExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	task := &Task{}
	assert.False(t, task.Expired(now), "no deadline never expires")

	task.Deadline = &past
	assert.True(t, task.Expired(now))

	task.Deadline = &future
	assert.False(t, task.Expired(now))
}

func TestClaimIdleDuration(t *testing.T) {
	c := &Claim{LastHeartbeat: time.Now().Add(-5 * time.Second)}
	assert.GreaterOrEqual(t, c.IdleDuration(time.Now()), 5*time.Second)
}
