package config

import "gopkg.in/yaml.v3"

// yamlUnmarshal isolates the yaml.v3 dependency to its own call site,
// grounded on core/infra/config/validation.go's use of the same library for
// structured config files.
func yamlUnmarshal(data []byte, out interface{}) error {
	return yaml.Unmarshal(data, out)
}
