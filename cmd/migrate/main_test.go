package main

import (
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMigrator struct {
	upErr  error
	steps  []int
	forced []int
}

func (f *fakeMigrator) Up() error { return f.upErr }

func (f *fakeMigrator) Steps(n int) error {
	f.steps = append(f.steps, n)
	return nil
}

func (f *fakeMigrator) Force(v int) error {
	f.forced = append(f.forced, v)
	return nil
}

func (f *fakeMigrator) Version() (uint, bool, error) { return 1, false, nil }

func TestRunCommandUpTreatsNoChangeAsSuccess(t *testing.T) {
	require.NoError(t, runCommand(&fakeMigrator{upErr: migrate.ErrNoChange}, nil))

	err := runCommand(&fakeMigrator{upErr: errors.New("dirty")}, []string{"up"})
	assert.ErrorContains(t, err, "migrate up")
}

func TestRunCommandDownAndForce(t *testing.T) {
	m := &fakeMigrator{}
	require.NoError(t, runCommand(m, []string{"down"}))
	require.NoError(t, runCommand(m, []string{"down", "3"}))
	assert.Equal(t, []int{-1, -3}, m.steps)

	require.NoError(t, runCommand(m, []string{"force", "1"}))
	assert.Equal(t, []int{1}, m.forced)
}

func TestRunCommandRejectsBadInput(t *testing.T) {
	m := &fakeMigrator{}
	for _, args := range [][]string{{"down", "zero"}, {"force"}, {"force", "x"}, {"sideways"}} {
		if err := runCommand(m, args); err == nil {
			t.Fatalf("expected %v to fail", args)
		}
	}
}

func TestRunCommandVersion(t *testing.T) {
	require.NoError(t, runCommand(&fakeMigrator{}, []string{"version"}))
}
