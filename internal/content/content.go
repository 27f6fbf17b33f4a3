// Package content loads the block and item tables the simulation and
// protocol agree on. Tables come from JSON documents validated against
// embedded schemas, so a malformed data pack fails at startup instead of
// mid-game.
package content

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/blocks.schema.json
var blocksSchemaSrc string

//go:embed schemas/items.schema.json
var itemsSchemaSrc string

//go:embed data/blocks.json
var defaultBlocks []byte

//go:embed data/items.json
var defaultItems []byte

type Block struct {
	ID    uint16 `json:"id"`
	Name  string `json:"name"`
	Solid bool   `json:"solid"`
}

type Item struct {
	ID       uint16 `json:"id"`
	Name     string `json:"name"`
	MaxStack int    `json:"max_stack"`
}

// Tables is the immutable content registry shared by every subsystem.
type Tables struct {
	blocks map[uint16]Block
	items  map[uint16]Item
}

func compileSchema(name, src string) *jsonschema.Schema {
	s, err := jsonschema.CompileString(name, src)
	if err != nil {
		panic(fmt.Sprintf("content: embedded schema %s: %v", name, err))
	}
	return s
}

var (
	blocksSchema = compileSchema("blocks.schema.json", blocksSchemaSrc)
	itemsSchema  = compileSchema("items.schema.json", itemsSchemaSrc)
)

// Load parses and validates block and item table documents.
func Load(blocksRaw, itemsRaw []byte) (*Tables, error) {
	var blocks []Block
	if err := loadChecked(blocksSchema, blocksRaw, &blocks); err != nil {
		return nil, fmt.Errorf("blocks table: %w", err)
	}
	var items []Item
	if err := loadChecked(itemsSchema, itemsRaw, &items); err != nil {
		return nil, fmt.Errorf("items table: %w", err)
	}

	t := &Tables{
		blocks: make(map[uint16]Block, len(blocks)),
		items:  make(map[uint16]Item, len(items)),
	}
	for _, b := range blocks {
		if _, dup := t.blocks[b.ID]; dup {
			return nil, fmt.Errorf("blocks table: duplicate id %d", b.ID)
		}
		t.blocks[b.ID] = b
	}
	for _, it := range items {
		if _, dup := t.items[it.ID]; dup {
			return nil, fmt.Errorf("items table: duplicate id %d", it.ID)
		}
		t.items[it.ID] = it
	}
	if b, ok := t.blocks[0]; !ok || b.Solid {
		return nil, fmt.Errorf("blocks table: id 0 must exist and be non-solid air")
	}
	return t, nil
}

func loadChecked(schema *jsonschema.Schema, raw []byte, out any) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Defaults loads the tables embedded in the binary.
func Defaults() *Tables {
	t, err := Load(defaultBlocks, defaultItems)
	if err != nil {
		panic(fmt.Sprintf("content: embedded tables: %v", err))
	}
	return t
}

func (t *Tables) BlockExists(id uint16) bool {
	_, ok := t.blocks[id]
	return ok
}

// Solid reports whether a block id blocks movement. Unknown ids count as
// solid so corrupt world data cannot open holes in collision.
func (t *Tables) Solid(id uint16) bool {
	b, ok := t.blocks[id]
	if !ok {
		return true
	}
	return b.Solid
}

func (t *Tables) BlockName(id uint16) string {
	if b, ok := t.blocks[id]; ok {
		return b.Name
	}
	return fmt.Sprintf("block#%d", id)
}

func (t *Tables) ItemExists(id uint16) bool {
	_, ok := t.items[id]
	return ok
}

func (t *Tables) Item(id uint16) (Item, bool) {
	it, ok := t.items[id]
	return it, ok
}

func (t *Tables) BlockCount() int { return len(t.blocks) }
func (t *Tables) ItemCount() int  { return len(t.items) }
