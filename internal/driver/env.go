package driver

import (
	"os"
	"strconv"
)

// Environment variables the supervisor sets on every driver child.
const (
	EnvPort       = "RUNIX_DRIVER_PORT"
	EnvInstanceID = "RUNIX_DRIVER_INSTANCE_ID"
	EnvLogLevel   = "RUNIX_DRIVER_LOG_LEVEL"
)

// ChildEnv builds the injected variables for one driver process.
func ChildEnv(port int, instanceID, logLevel string) map[string]string {
	return map[string]string{
		EnvPort:       strconv.Itoa(port),
		EnvInstanceID: instanceID,
		EnvLogLevel:   logLevel,
	}
}

// BuildEnv merges the current process environment with extra key-value
// pairs. Extra vars override existing entries with the same key.
func BuildEnv(extra map[string]string) []string {
	base := os.Environ()
	if len(extra) == 0 {
		return base
	}

	overrides := make(map[string]struct{}, len(extra))
	for k := range extra {
		overrides[k] = struct{}{}
	}

	env := make([]string, 0, len(base)+len(extra))
	for _, entry := range base {
		key, _, _ := cutEnv(entry)
		if _, ok := overrides[key]; ok {
			continue // replaced by extra
		}
		env = append(env, entry)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// cutEnv splits an environment entry "KEY=VALUE" into key and value.
func cutEnv(entry string) (key, value string, ok bool) {
	for i := 0; i < len(entry); i++ {
		if entry[i] == '=' {
			return entry[:i], entry[i+1:], true
		}
	}
	return entry, "", false
}
