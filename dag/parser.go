package dag

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML DAG definition and builds it into a validated
// Graph in one step.
func Parse(data []byte) (*Graph, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("dag: parsing definition: %w", err)
	}
	return Build(def)
}
