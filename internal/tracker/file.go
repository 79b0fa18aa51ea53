package tracker

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/steveyegge/orchestrate/internal/types"
	"gopkg.in/yaml.v3"
)

//go:embed items.schema.json
var itemsSchema []byte

// File reads work items from a YAML file, for repositories whose plan
// lives next to the code rather than in an issue tracker.
//
//	items:
//	  - id: 1
//	    title: Add parser
//	    epic: 10
//	  - id: 2
//	    title: Wire parser into CLI
//	    epic: 10
//	    depends_on: [1]
type File struct {
	path   string
	schema *jsonschema.Schema
}

type fileItem struct {
	ID        yamlID   `yaml:"id"`
	Title     string   `yaml:"title"`
	Body      string   `yaml:"body"`
	State     string   `yaml:"state"`
	Epic      yamlID   `yaml:"epic"`
	Milestone string   `yaml:"milestone"`
	DependsOn []yamlID `yaml:"depends_on"`
}

// yamlID accepts both `id: 3` and `id: "bd-3"`
type yamlID string

func (y *yamlID) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: id must be a scalar", node.Line)
	}
	*y = yamlID(node.Value)
	return nil
}

// NewFile creates a file tracker for path
func NewFile(path string) (*File, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(itemsSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse items schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("items.schema.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add items schema: %w", err)
	}
	schema, err := c.Compile("items.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile items schema: %w", err)
	}
	return &File{path: path, schema: schema}, nil
}

// LoadItems returns the file's items belonging to the target epic or milestone
func (f *File) LoadItems(ctx context.Context, target Target) ([]types.WorkItem, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read items file: %w", err)
	}
	if err := f.validate(data); err != nil {
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}

	var doc struct {
		Items []fileItem `yaml:"items"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse items file: %w", err)
	}

	var items []types.WorkItem
	for _, fi := range doc.Items {
		switch target.Kind {
		case TargetEpic:
			if string(fi.Epic) != target.Ref {
				continue
			}
		case TargetMilestone:
			if fi.Milestone != target.Ref {
				continue
			}
		default:
			return nil, fmt.Errorf("unknown target kind %q", target.Kind)
		}
		state := types.ItemState(fi.State)
		if state == "" {
			state = types.ItemOpen
		}
		item := types.WorkItem{
			ID:    string(fi.ID),
			Title: fi.Title,
			Body:  fi.Body,
			State: state,
		}
		for _, dep := range fi.DependsOn {
			item.DependsOn = append(item.DependsOn, string(dep))
		}
		items = append(items, item)
	}
	return items, nil
}

// validate checks the YAML document against the embedded JSON schema.
// YAML is decoded generically and re-encoded as JSON so the schema sees
// the same value types a JSON document would produce.
func (f *File) validate(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("items file is not JSON-compatible: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return err
	}
	if err := f.schema.Validate(inst); err != nil {
		return fmt.Errorf("items file does not match schema: %w", err)
	}
	return nil
}
