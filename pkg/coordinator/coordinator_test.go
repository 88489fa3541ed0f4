package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegPath(t *testing.T) {
	assert.Equal(t, "/ochopod/clusters/default.web/pods/abc.0000000042", regPath("/ochopod/clusters/default.web/pods", "abc", 42))
}

func TestParseSeqSuffix(t *testing.T) {
	seq, err := parseSeqSuffix("/ochopod/clusters/default.web/pods/abc.0000000007", "/ochopod/clusters/default.web/pods/abc.")
	require.NoError(t, err)
	assert.Equal(t, 7, seq)
}

func TestParseSeqSuffixRejectsUnexpectedPrefix(t *testing.T) {
	_, err := parseSeqSuffix("/other/path", "/ochopod/clusters/default.web/pods/abc.")
	assert.Error(t, err)
}

func TestParseSeqSuffixRejectsNonNumeric(t *testing.T) {
	_, err := parseSeqSuffix("/ochopod/clusters/default.web/pods/abc.xyz", "/ochopod/clusters/default.web/pods/abc.")
	assert.Error(t, err)
}
