package config

import "fmt"

func errMissing(key string) error {
	return fmt.Errorf("%s is required", key)
}

func errInvalid(key, value string) error {
	return fmt.Errorf("invalid %s %q", key, value)
}
