package testutil

import (
	_ "embed"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/gurih/internal/schema"
)

// AppYAML is the shared application schema used across package tests:
// a small ledger (accounts, periods, journal entries with lines,
// reconciliation), invoices with a posting rule, and an HR corner
// (employees, reviews, salary increases).
//
//go:embed testdata/app.yaml
var AppYAML []byte

// AppSchema parses AppYAML and fails the test on error.
func AppSchema(t testing.TB) *schema.Schema {
	t.Helper()
	s, err := schema.ParseYAML(AppYAML)
	require.NoError(t, err)
	return s
}

// MustAppSchema parses AppYAML and panics on error. For use outside tests
// (benchmarks, example commands).
func MustAppSchema() *schema.Schema {
	s, err := schema.ParseYAML(AppYAML)
	if err != nil {
		panic(err)
	}
	return s
}
