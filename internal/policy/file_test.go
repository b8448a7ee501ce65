package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/venuescout/accessguard/pkg/access"
)

const minimalDocument = `
policies:
  - id: member
    name: Members
    roles: [member]
    permissions: [login]
    enabled: true
    default: true
`

func TestLoadFile_SampleConfig(t *testing.T) {
	doc, err := LoadFile(filepath.Join("..", "..", "configs", "policies.yaml"))
	require.NoError(t, err)

	assert.Len(t, doc.Policies, 3)
	assert.NotEmpty(t, doc.AccessRules)
	assert.NotEmpty(t, doc.DetectionRules)

	login, ok := doc.RateLimits[access.EndpointLogin]
	require.True(t, ok)
	assert.Equal(t, access.EndpointLogin, login.Endpoint)
	assert.Equal(t, 15*time.Minute, login.Window)
	assert.Equal(t, 30*time.Minute, login.BlockDuration)
	assert.True(t, login.Sensitive)

	for _, r := range doc.DetectionRules {
		if r.Pattern.Kind == access.PatternRepeatedFailures {
			assert.Equal(t, 15*time.Minute, r.Pattern.Window)
		}
	}
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"unknown field", "policies:\n  - id: a\n    colour: red\n"},
		{"unknown condition kind", `
access_rules:
  - id: r
    name: r
    enabled: true
    condition:
      kind: contains
    action: deny
`},
		{"bad rate limit", `
rate_limits:
  login:
    window: 0s
    max_requests: 5
`},
		{"invalid policy", "policies:\n  - name: missing id\n    roles: [x]\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestParse_EmptyDocument(t *testing.T) {
	doc, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, doc.Policies)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalDocument), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var applied atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, quietLogger(), func(doc *Document) error {
			if len(doc.Policies) == 1 && doc.Policies[0].Name == "Members v2" {
				applied.Add(1)
			}
			return nil
		})
	}()

	updated := []byte(`
policies:
  - id: member
    name: Members v2
    roles: [member]
    enabled: true
    default: true
`)
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, updated, 0o600)
		return applied.Load() > 0
	}, 5*time.Second, 300*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
