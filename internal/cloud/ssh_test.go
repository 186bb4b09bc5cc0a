package cloud

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapScript(t *testing.T) {
	script := "#!/bin/bash\necho \"it's alive\" && touch /tmp/done"
	wrapped := WrapScript(script)

	assert.True(t, strings.HasPrefix(wrapped, "echo "))
	assert.True(t, strings.HasSuffix(wrapped, " | base64 -d | sudo bash"))

	enc := strings.TrimSuffix(strings.TrimPrefix(wrapped, "echo "), " | base64 -d | sudo bash")
	dec, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	assert.Equal(t, script, string(dec))

	// No raw quoting hazards survive in the command line itself.
	assert.NotContains(t, wrapped, "'")
	assert.NotContains(t, wrapped, "\"")
	assert.NotContains(t, wrapped, "\n")
}

func TestSSHRunner_BadKey(t *testing.T) {
	r := &SSHRunner{}
	_, err := r.Run(t.Context(), "203.0.113.1", "not a pem key", "echo hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse private key")
}
