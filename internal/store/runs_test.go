package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

func TestErrorMessage(t *testing.T) {
	require.Nil(t, ErrorMessage(""))
	msg := ErrorMessage("job timeout after 30s")
	require.NotNil(t, msg)
	require.Equal(t, "job timeout after 30s", *msg)
}

func TestTableFor(t *testing.T) {
	for _, kind := range crawler.Kinds {
		table, ok := TableFor(kind)
		require.True(t, ok, kind)
		require.NotEmpty(t, table)
	}
	_, ok := TableFor("campus")
	require.False(t, ok)
}
