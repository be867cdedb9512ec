package secrets

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillOnlyReplacesEmptyValues(t *testing.T) {
	r := NewResolver(keyring.NewArrayKeyring(nil))
	require.NoError(t, r.Set("webhook.secret", "from-ring"))

	empty := ""
	require.NoError(t, r.Fill(&empty, "webhook.secret"))
	assert.Equal(t, "from-ring", empty)

	configured := "from-config"
	require.NoError(t, r.Fill(&configured, "webhook.secret"))
	assert.Equal(t, "from-config", configured)

	missing := ""
	require.NoError(t, r.Fill(&missing, "jmap.client_secret"))
	assert.Empty(t, missing)
}
