package format

import (
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// CameraIndex identifies a device either by platform ordinal or by a unique
// string such as a device path or USB id.
type CameraIndex struct {
	index uint32
	id    string
	named bool
}

// Index returns a positional CameraIndex.
func Index(n uint32) CameraIndex {
	return CameraIndex{index: n}
}

// Named returns a string CameraIndex.
func Named(id string) CameraIndex {
	return CameraIndex{id: id, named: true}
}

// ParseIndex treats decimal digits as a positional index and anything else
// as a named device.
func ParseIndex(s string) CameraIndex {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return Index(uint32(n))
	}
	return Named(s)
}

// IsIndex reports whether the index is positional.
func (c CameraIndex) IsIndex() bool {
	return !c.named
}

// AsIndex returns the ordinal and true for positional indexes.
func (c CameraIndex) AsIndex() (uint32, bool) {
	return c.index, !c.named
}

// AsString returns the name and true for named indexes.
func (c CameraIndex) AsString() (string, bool) {
	return c.id, c.named
}

func (c CameraIndex) String() string {
	if c.named {
		return c.id
	}
	return strconv.FormatUint(uint64(c.index), 10)
}

func (c CameraIndex) MarshalJSON() ([]byte, error) {
	if c.named {
		return json.Marshal(c.id)
	}
	return json.Marshal(c.index)
}

func (c *CameraIndex) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = Named(s)
		return nil
	}
	var n uint32
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("camera index must be a number or string: %w", err)
	}
	*c = Index(n)
	return nil
}

func (c CameraIndex) MarshalYAML() (interface{}, error) {
	if c.named {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: c.id}, nil
	}
	return c.index, nil
}

func (c *CameraIndex) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: camera index must be a scalar", node.Line)
	}
	if node.ShortTag() == "!!int" {
		var n uint32
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("line %d: camera index: %w", node.Line, err)
		}
		*c = Index(n)
		return nil
	}
	*c = Named(node.Value)
	return nil
}
