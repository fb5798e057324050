package config

import (
	"fmt"
	"os"

	"github.com/markus-lassfolk/uomping/pkg"
)

// ActionSpec is one entry of the fetch action list
type ActionSpec struct {
	Time        float64 `json:"Time" yaml:"Time"`               // seconds after process start
	Repetitions int     `json:"Repetitions" yaml:"Repetitions"` // fetches per interface choice
	Url         string  `json:"Url" yaml:"Url"`
}

type actionFile struct {
	Actions []ActionSpec `json:"Actions" yaml:"Actions"`
}

// LoadActions reads the ordered action list. List order is execution order.
func LoadActions(path string) ([]ActionSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read %s: %v", pkg.ErrConfig, path, err)
	}

	var f actionFile
	if err := decode(path, data, &f); err != nil {
		return nil, fmt.Errorf("%w: cannot parse %s: %v", pkg.ErrConfig, path, err)
	}
	if f.Actions == nil {
		return nil, fmt.Errorf("%w: %s has no Actions list", pkg.ErrConfig, path)
	}

	for i, a := range f.Actions {
		if a.Url == "" {
			return nil, fmt.Errorf("%w: action %d has no Url", pkg.ErrConfig, i)
		}
		if a.Time < 0 {
			return nil, fmt.Errorf("%w: action %d has negative Time", pkg.ErrConfig, i)
		}
		if a.Repetitions < 0 {
			return nil, fmt.Errorf("%w: action %d has negative Repetitions", pkg.ErrConfig, i)
		}
	}
	return f.Actions, nil
}
