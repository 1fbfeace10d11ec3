package agents

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sdtm-pilot/sdtm-pilot/engine/conventions"
	"github.com/sdtm-pilot/sdtm-pilot/engine/ig"
	"github.com/sdtm-pilot/sdtm-pilot/engine/memory"
	"github.com/sdtm-pilot/sdtm-pilot/engine/registry"
)

const testDMIGContent = `## SEX
Subject sex as reported.

## RACE
Investigator-reported race, coded against the RACE codelist.

## AGE
Subject age at reference date.

| Variable | Label | Type | CT | Requirement |
|----------|-------|------|----|-------------|
| SEX      | Sex   | Char | Y  | Req |
| RACE     | Race  | Char | Y  | Req |
| AGE      | Age   | Num  | N  | Exp |
`

func newTestIG(t *testing.T) ig.Client {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dm.md"), []byte(testDMIGContent), 0o644))
	return ig.NewFileBackend(dir)
}

func newTestIGUnavailable(t *testing.T) ig.Client {
	t.Helper()
	return ig.NewFileBackend(filepath.Join(t.TempDir(), "does-not-exist"))
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
functions:
  - name: derive_age
    purpose: Derive subject age at reference date
    parameters:
      - name: birth_date
        type: variable_ref
        required: true
`), 0o644))
	r, err := registry.Load(path)
	require.NoError(t, err)
	return r
}

func newTestMemory(t *testing.T) *memory.Store {
	t.Helper()
	s, err := memory.Open(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	return s
}

func newTestConventions(t *testing.T) *conventions.Manager {
	t.Helper()
	m, err := conventions.Load("", "")
	require.NoError(t, err)
	return m
}
