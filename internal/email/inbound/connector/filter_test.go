package connector

import (
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/require"
)

func TestParseFilterDefault(t *testing.T) {
	c, err := ParseFilter(DefaultFilter)
	require.NoError(t, err)
	require.Equal(t, []imap.Flag{imap.FlagSeen}, c.NotFlag)
	require.Empty(t, c.Flag)
}

func TestParseFilterCompound(t *testing.T) {
	c, err := ParseFilter(`(UNSEEN FLAGGED FROM "Alice Smith" subject report SINCE 01-Feb-2024)`)
	require.NoError(t, err)
	require.Equal(t, []imap.Flag{imap.FlagSeen}, c.NotFlag)
	require.Equal(t, []imap.Flag{imap.FlagFlagged}, c.Flag)
	require.Equal(t, []imap.SearchCriteriaHeaderField{
		{Key: "From", Value: "Alice Smith"},
		{Key: "Subject", Value: "report"},
	}, c.Header)
	require.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), c.Since)
}

func TestParseFilterAll(t *testing.T) {
	c, err := ParseFilter("ALL")
	require.NoError(t, err)
	require.Equal(t, &imap.SearchCriteria{}, c)

	c, err = ParseFilter("")
	require.NoError(t, err)
	require.Equal(t, &imap.SearchCriteria{}, c)
}

func TestParseFilterErrors(t *testing.T) {
	for _, filter := range []string{
		"(UNSEEN",
		`FROM "alice`,
		"FROM",
		"RECENT",
		"BEFORE yesterday",
	} {
		_, err := ParseFilter(filter)
		require.ErrorIs(t, err, ErrInvalidFilter, filter)
	}
}

func TestUnseenFilter(t *testing.T) {
	unseen, err := unseenFilter("pop3", "(UNSEEN)")
	require.NoError(t, err)
	require.True(t, unseen)

	unseen, err = unseenFilter("pop3", "ALL")
	require.NoError(t, err)
	require.False(t, unseen)

	_, err = unseenFilter("pop3", "SEEN")
	require.ErrorIs(t, err, ErrInvalidFilter)
}
