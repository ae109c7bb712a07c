package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"spodb.dev/internal/sim/patch"
)

// BlueprintCatalog maps blueprint ids to the attribute sets they grant. A
// blueprint is applied by deep-merging it onto an object's values.
type BlueprintCatalog struct {
	ByID   map[string]map[string]any
	Digest string
}

// LoadBlueprints reads a yaml document of the form
//
//	<blueprint id>:
//	  <attribute>: <value>
//
// A missing file yields an empty catalog.
func LoadBlueprints(path string) (*BlueprintCatalog, error) {
	out := &BlueprintCatalog{ByID: map[string]map[string]any{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			out.Digest = sha256Hex(nil)
			return out, nil
		}
		return nil, err
	}
	out.Digest = sha256Hex(raw)

	var defs map[string]map[string]any
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("blueprints.yaml: %w", err)
	}
	for id, d := range defs {
		if id == "" {
			return nil, fmt.Errorf("blueprints.yaml: empty id")
		}
		if d == nil {
			d = map[string]any{}
		}
		out.ByID[id] = d
	}
	return out, nil
}

func (c *BlueprintCatalog) IDs() []string {
	ids := make([]string, 0, len(c.ByID))
	for id := range c.ByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns a copy of the blueprint's attributes.
func (c *BlueprintCatalog) Get(id string) (map[string]any, bool) {
	if c == nil {
		return nil, false
	}
	d, ok := c.ByID[id]
	if !ok {
		return nil, false
	}
	return patch.Clone(d), true
}

// Upgrade returns the full value set of an object after blueprint id has been
// merged onto values. The result records the blueprint id so the change is
// persisted; values is not modified.
func (c *BlueprintCatalog) Upgrade(values map[string]any, id string) (map[string]any, error) {
	bp, ok := c.Get(id)
	if !ok {
		return nil, fmt.Errorf("unknown blueprint %q", id)
	}
	out := patch.Clone(values)
	if out == nil {
		out = map[string]any{}
	}
	patch.Merge(out, bp)
	out["blueprint"] = id
	return out, nil
}

// OnPrepareNewObject fills attributes a new object does not set itself from
// the blueprint it names. Explicit values win over blueprint defaults.
func (c *BlueprintCatalog) OnPrepareNewObject(values map[string]any) {
	id, _ := values["blueprint"].(string)
	if id == "" {
		return
	}
	base, ok := c.Get(id)
	if !ok {
		return
	}
	patch.Merge(base, values)
	for k, v := range base {
		values[k] = v
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
