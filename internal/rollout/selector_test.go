package rollout

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestIncludedBoundaries(t *testing.T) {
	require := require.New(t)

	releaseID := uuid.New().String()
	for i := 0; i < 100; i++ {
		deviceID := uuid.New().String()
		require.False(Included(0, releaseID, deviceID), "0%% must exclude every device")
		require.True(Included(100, releaseID, deviceID), "100%% must include every device")
	}
}

func TestIncludedStable(t *testing.T) {
	require := require.New(t)

	releaseID := uuid.New().String()
	deviceID := uuid.New().String()
	first := Included(30, releaseID, deviceID)
	for i := 0; i < 100; i++ {
		require.Equal(first, Included(30, releaseID, deviceID))
	}
}

func TestIncludedUniformity(t *testing.T) {
	require := require.New(t)

	const population = 10000
	releaseID := uuid.New().String()

	for _, percentage := range []int{10, 30, 50, 90} {
		included := 0
		for i := 0; i < population; i++ {
			if Included(percentage, releaseID, fmt.Sprintf("device-%d", i)) {
				included++
			}
		}
		expected := population * percentage / 100
		// ±1% of the population
		require.InDelta(expected, included, float64(population)/100,
			"rollout %d%%: got %d of %d", percentage, included, population)
	}
}

func TestIncludedIndependentPerRelease(t *testing.T) {
	require := require.New(t)

	// The same device population must land in different buckets for
	// different releases; otherwise consecutive 10% rollouts would always
	// hit the same devices.
	releaseA := uuid.New().String()
	releaseB := uuid.New().String()

	same := 0
	const population = 1000
	for i := 0; i < population; i++ {
		deviceID := fmt.Sprintf("device-%d", i)
		if Included(50, releaseA, deviceID) == Included(50, releaseB, deviceID) {
			same++
		}
	}
	// Independent coin flips agree about half the time.
	require.Greater(same, population/3)
	require.Less(same, population*2/3)
}
