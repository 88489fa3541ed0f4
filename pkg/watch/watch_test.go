package watch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ochopod/agent/pkg/hints"
)

func TestUuidPrefix(t *testing.T) {
	assert.Equal(t, "abc-def", uuidPrefix("abc-def.0000000007"))
	assert.Equal(t, "no-suffix", uuidPrefix("no-suffix"))
}

func TestSameBreadcrumbs(t *testing.T) {
	a := map[string]hints.Breadcrumbs{
		"u1": {IP: "10.0.0.1", Ports: map[string]int{"80": 31000}},
	}
	b := map[string]hints.Breadcrumbs{
		"u1": {IP: "10.0.0.1", Ports: map[string]int{"80": 31000}},
	}
	assert.True(t, sameBreadcrumbs(a, b))

	c := map[string]hints.Breadcrumbs{
		"u1": {IP: "10.0.0.2", Ports: map[string]int{"80": 31000}},
	}
	assert.False(t, sameBreadcrumbs(a, c))
	assert.True(t, sameBreadcrumbs(nil, nil))
	assert.False(t, sameBreadcrumbs(a, nil))
}

func TestResolveDependencySpec(t *testing.T) {
	pattern, isGlob := resolveDependencySpec("db", "prod")
	assert.Equal(t, "prod.db", pattern)
	assert.False(t, isGlob)

	pattern, isGlob = resolveDependencySpec("/staging.cache", "prod")
	assert.Equal(t, "staging.cache", pattern)
	assert.False(t, isGlob)

	pattern, isGlob = resolveDependencySpec("cache-*", "prod")
	assert.Equal(t, "prod.cache-*", pattern)
	assert.True(t, isGlob)

	pattern, isGlob = resolveDependencySpec("/staging.cache-*", "prod")
	assert.Equal(t, "staging.cache-*", pattern)
	assert.True(t, isGlob)
}
