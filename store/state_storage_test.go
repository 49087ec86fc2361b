package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeRoundTrip(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	original := time.Date(2024, 3, 30, 2, 30, 0, 123456789, berlin)

	formatted := FormatTime(original)
	require.Equal(t, "2024-03-30T01:30:00.123456789Z", formatted)

	parsed, err := ParseTime(formatted)
	require.NoError(t, err)
	require.True(t, parsed.Equal(original))

	_, err = ParseTime("yesterday")
	require.Error(t, err)
}
