package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextIntervalAlignsToModulo(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 1, 17, 0, time.UTC)
	got := nextInterval(now, 30*time.Second)
	require.Equal(t, 13*time.Second, got)
}

func TestNextIntervalAtBoundaryReturnsFullInterval(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 1, 30, 0, time.UTC)
	got := nextInterval(now, 30*time.Second)
	require.Equal(t, 30*time.Second, got)
}
