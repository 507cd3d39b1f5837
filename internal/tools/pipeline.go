package tools

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
)

// PipelineFile is the on-disk form of a sequential pipeline.
type PipelineFile struct {
	Target string                 `yaml:"target"`
	Stages []schemas.StageRequest `yaml:"stages"`
}

// LoadPipelineFile reads and validates a pipeline definition.
func LoadPipelineFile(path string) (*PipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return ParsePipeline(data)
}

// ParsePipeline decodes a YAML pipeline definition. Unknown keys are rejected
// so a typo in a stage does not silently run with defaults.
func ParsePipeline(data []byte) (*PipelineFile, error) {
	var pf PipelineFile
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file: %w", err)
	}
	pf.Target = strings.TrimSpace(pf.Target)
	if pf.Target == "" {
		return nil, ErrEmptyTarget
	}
	if len(pf.Stages) == 0 {
		return nil, fmt.Errorf("pipeline defines no stages")
	}
	for i, st := range pf.Stages {
		if strings.TrimSpace(st.Tool) == "" {
			return nil, fmt.Errorf("stage %d: tool is required", i+1)
		}
		if st.Params == nil {
			pf.Stages[i].Params = map[string]any{}
		}
	}
	return &pf, nil
}
