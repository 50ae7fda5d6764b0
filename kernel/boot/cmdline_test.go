package boot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCmdLine(t *testing.T) {
	c := ParseCmdLine("  timer.hz=100 sched.slice=0x14 quiet root=ramfs:ram0 opt=a=b loglevel=x ")

	v, ok := c.Get("opt")
	assert.True(t, ok)
	assert.Equal(t, "a=b", v)

	assert.True(t, c.Flag("quiet"))
	assert.False(t, c.Flag("verbose"))

	assert.Equal(t, uint64(100), c.Uint("timer.hz", 1000))
	assert.Equal(t, uint64(20), c.Uint("sched.slice", 10))
	assert.Equal(t, uint64(2), c.Uint("loglevel", 2), "unparsable values fall back to the default")
	assert.Equal(t, uint64(7), c.Uint("missing", 7))

	fsType, dev, ok := c.RootDevice()
	assert.True(t, ok)
	assert.Equal(t, "ramfs", fsType)
	assert.Equal(t, "ram0", dev)
}

func TestRootDeviceMalformed(t *testing.T) {
	for _, cmdLine := range []string{"", "root=ramfs", "root=:ram0", "root=ramfs:"} {
		_, _, ok := ParseCmdLine(cmdLine).RootDevice()
		assert.False(t, ok, "cmdline %q", cmdLine)
	}
}
