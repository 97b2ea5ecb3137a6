package mdnsadvert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinVersions(t *testing.T) {
	assert.Equal(t, "", joinVersions(nil))
	assert.Equal(t, "v1.3", joinVersions([]string{"v1.3"}))
	assert.Equal(t, "v1.0,v1.1,v1.2,v1.3", joinVersions([]string{"v1.0", "v1.1", "v1.2", "v1.3"}))
}
