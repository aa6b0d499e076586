// Package conf parses SYS.CONF, the boot configuration file shipped next to
// the kernel modules.
//
// The file is a sequence of NAME=VALUE statements separated by newlines,
// carriage returns, semicolons or a NUL byte. Names and values are matched
// case-insensitively; only the OSINITSTRING value keeps its case. Statements
// without a value are skipped.
package conf

import (
	"github.com/mrf-git/alt-os/kernel"
	"github.com/mrf-git/alt-os/kernel/kfmt"
)

const (
	// FileName is the boot module command line that identifies SYS.CONF.
	FileName = "SYS.CONF"

	// MaxValueLen is the maximum length of an expanded string value.
	MaxValueLen = 256

	defaultInitString = "\r\nOSINIT\r\n\r\n"
)

var (
	errBadChar       = &kernel.Error{Module: "conf", Message: "invalid character"}
	errBadStatement  = &kernel.Error{Module: "conf", Message: "malformed statement"}
	errUnknownOption = &kernel.Error{Module: "conf", Message: "unknown option"}
	errBadValue      = &kernel.Error{Module: "conf", Message: "invalid option value"}
)

// Config holds the boot configuration.
type Config struct {
	// GraphicsOff disables all framebuffer output.
	GraphicsOff bool

	// DebugPort is the I/O port of the debug serial port or 0 to disable
	// serial output.
	DebugPort uint32

	initString [MaxValueLen]byte
	initLen    int
}

// Default returns the configuration used when no SYS.CONF is present.
func Default() Config {
	var cfg Config
	cfg.initLen = copy(cfg.initString[:], defaultInitString)
	return cfg
}

// InitString returns the string written to the debug port once the loader
// takes over. The returned slice aliases cfg.
func (cfg *Config) InitString() []byte {
	return cfg.initString[:cfg.initLen]
}

// Parse applies the statements in data on top of the default configuration.
// Parsing stops at the first NUL byte.
func Parse(data []byte) (Config, *kernel.Error) {
	var (
		cfg       = Default()
		stmtStart = 0
		eq        = -1
	)

scan:
	for i := 0; i <= len(data); i++ {
		var c byte
		if i < len(data) {
			c = data[i]
		}

		switch {
		case c == 0 || c == '\n' || c == '\r' || c == ';':
			if eq >= 0 && i > eq+1 {
				if err := cfg.set(data[stmtStart:eq], data[eq+1:i]); err != nil {
					return Config{}, err
				}
			}
			stmtStart, eq = i+1, -1
			if c == 0 {
				break scan
			}
		case c == '=':
			if eq >= 0 || i == stmtStart {
				kfmt.Printf("[conf] malformed statement at offset %d\n", i)
				return Config{}, errBadStatement
			}
			eq = i
		case isAlnum(c), c == '\\', c == '-', c == '_', c == ' ':
		default:
			kfmt.Printf("[conf] invalid character 0x%2x at offset %d\n", c, i)
			return Config{}, errBadChar
		}
	}

	return cfg, nil
}

func (cfg *Config) set(name, value []byte) *kernel.Error {
	var ok bool

	switch {
	case equalFold(name, "ISGRAPHICSOFF"):
		cfg.GraphicsOff, ok = parseBool(value)
	case equalFold(name, "DEBUGPORT"):
		cfg.DebugPort, ok = parseUint32(value)
	case equalFold(name, "OSINITSTRING"):
		ok = cfg.setInitString(value)
	default:
		kfmt.Printf("[conf] unknown option: %s\n", name)
		return errUnknownOption
	}

	if !ok {
		kfmt.Printf("[conf] invalid value for %s: %s\n", name, value)
		return errBadValue
	}
	return nil
}

func (cfg *Config) setInitString(value []byte) bool {
	var (
		out     [MaxValueLen]byte
		n       int
		escaped bool
	)

	emit := func(b ...byte) bool {
		if n+len(b) > MaxValueLen {
			return false
		}
		n += copy(out[n:], b)
		return true
	}

	for _, c := range value {
		var ok bool
		switch {
		case escaped && (c == 'n' || c == 'N'):
			ok = emit('\n')
		case escaped && (c == 'r' || c == 'R'):
			ok = emit('\r')
		case escaped:
			ok = emit('\\', c)
		case c == '\\':
			escaped = true
			continue
		default:
			ok = emit(c)
		}
		if !ok {
			return false
		}
		escaped = false
	}

	if escaped && !emit('\\') {
		return false
	}

	cfg.initString, cfg.initLen = out, n
	return true
}

func parseBool(value []byte) (bool, bool) {
	switch {
	case equalFold(value, "TRUE"), equalFold(value, "YES"), equalFold(value, "1"):
		return true, true
	case equalFold(value, "FALSE"), equalFold(value, "NO"), equalFold(value, "0"):
		return false, true
	}
	return false, false
}

// parseUint32 parses a decimal or 0x-prefixed hexadecimal value.
func parseUint32(value []byte) (uint32, bool) {
	base := uint64(10)
	if len(value) > 2 && value[0] == '0' && (value[1] == 'x' || value[1] == 'X') {
		base, value = 16, value[2:]
	}
	if len(value) == 0 {
		return 0, false
	}

	var v uint64
	for _, c := range value {
		var digit uint64
		switch {
		case c >= '0' && c <= '9':
			digit = uint64(c - '0')
		case base == 16 && c >= 'a' && c <= 'f':
			digit = uint64(c-'a') + 10
		case base == 16 && c >= 'A' && c <= 'F':
			digit = uint64(c-'A') + 10
		default:
			return 0, false
		}

		if v = v*base + digit; v > 0xffffffff {
			return 0, false
		}
	}

	return uint32(v), true
}

func isAlnum(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// equalFold reports whether b matches the upper-case ASCII string upper,
// ignoring the case of b.
func equalFold(b []byte, upper string) bool {
	if len(b) != len(upper) {
		return false
	}
	for i := range b {
		c := b[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c != upper[i] {
			return false
		}
	}
	return true
}
