package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProbeTable_ResolveWakesWaiter(t *testing.T) {
	var table probeTable

	ch := table.open("tok")
	table.resolve("tok")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}

	// A duplicate pong for the same token must be harmless.
	assert.NotPanics(t, func() { table.resolve("tok") })
}

func TestProbeTable_ForgetWithdrawsProbe(t *testing.T) {
	var table probeTable

	ch := table.open("tok")
	table.forget("tok")
	table.resolve("tok")

	select {
	case <-ch:
		t.Fatal("a withdrawn probe must not resolve")
	default:
	}
}
