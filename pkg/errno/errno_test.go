//go:build unit

package errno_test

import (
	"fmt"
	"testing"

	"github.com/netboot-go/ipxecore/pkg/errno"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndCode(t *testing.T) {
	err := errno.New(errno.TimedOut, "no DHCP server responded")
	require.Error(t, err)
	assert.True(t, errno.IsTimedOut(err))
	assert.False(t, errno.IsCanceled(err))
	assert.Contains(t, err.Error(), "no DHCP server responded")
}

func TestWrapUnwraps(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := errno.Wrap(errno.ConnectionReset, cause)
	assert.True(t, errno.Is(err, errno.ConnectionReset))
	assert.ErrorIs(t, err, cause)
}

func TestFormat(t *testing.T) {
	err := errno.New(errno.TimedOut, "dhcp")
	line := errno.Format("dhcp", err)
	assert.Contains(t, line, "dhcp:")
	assert.Contains(t, line, "0x")
}
