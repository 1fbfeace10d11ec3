package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sdtm-pilot/sdtm-pilot/engine/core"
)

func TestExitCode(t *testing.T) {
	t.Run("Should map a typed core.Error to its documented exit code", func(t *testing.T) {
		err := core.NewError(errors.New("boom"), core.ErrComparisonMismatch, "comparison", nil)
		assert.Equal(t, 7, exitCode(err))
	})

	t.Run("Should default to 1 for an untyped error", func(t *testing.T) {
		assert.Equal(t, 1, exitCode(errors.New("boom")))
	})
}

func TestNewRootCommand(t *testing.T) {
	t.Run("Should register the spec.md §6 documented flag surface", func(t *testing.T) {
		cmd := newRootCommand()
		for _, name := range []string{"config", "study-config", "study", "domain", "stage", "raw-data", "resume", "force"} {
			assert.NotNil(t, cmd.Flags().Lookup(name), "missing --%s flag", name)
		}
	})
}
