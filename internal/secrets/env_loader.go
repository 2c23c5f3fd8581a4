package secrets

import "os"

// EnvLoader reads the named host environment variables. Unset or empty
// variables are left out so they never shadow a container's own env.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}
