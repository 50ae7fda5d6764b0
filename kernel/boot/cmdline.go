package boot

import (
	"strconv"
	"strings"
)

// CmdLine holds the key-value pairs of the kernel command line. Bare flags
// such as "nosmp" are stored with the flag name as their value.
type CmdLine map[string]string

// ParseCmdLine splits a whitespace-separated command line into key-value
// pairs. Later occurrences of a key override earlier ones.
func ParseCmdLine(cmdLine string) CmdLine {
	kv := make(CmdLine)
	for _, pair := range strings.Fields(cmdLine) {
		parts := strings.SplitN(pair, "=", 2)
		switch len(parts) {
		case 2: // foo=bar
			kv[parts[0]] = parts[1]
		case 1: // nofoo
			kv[parts[0]] = parts[0]
		}
	}

	return kv
}

// Get returns the value of key and whether it was present.
func (c CmdLine) Get(key string) (string, bool) {
	v, ok := c[key]
	return v, ok
}

// Flag returns true if key was passed either as a bare flag or with a value.
func (c CmdLine) Flag(key string) bool {
	_, ok := c[key]
	return ok
}

// Uint returns the numeric value of key or def if the key is missing or its
// value cannot be parsed. Hex values with a 0x prefix are accepted.
func (c CmdLine) Uint(key string, def uint64) uint64 {
	v, ok := c[key]
	if !ok {
		return def
	}

	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return def
	}
	return n
}

// RootDevice parses the "root=<fstype>:<device>" argument.
func (c CmdLine) RootDevice() (fsType, device string, ok bool) {
	v, found := c["root"]
	if !found {
		return "", "", false
	}

	idx := strings.IndexByte(v, ':')
	if idx <= 0 || idx == len(v)-1 {
		return "", "", false
	}
	return v[:idx], v[idx+1:], true
}
