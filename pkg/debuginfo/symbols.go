package debuginfo

import (
	"fmt"

	"github.com/grafana/jitsym/pkg/debuginfo/elf"
	"github.com/grafana/jitsym/pkg/object"
)

type symbolContext struct {
	table *elf.SymbolTable
}

// NewSymbolContext returns a context that only knows function names. File
// names and lines are left empty. Closing it does not close the table's file.
func NewSymbolContext(table *elf.SymbolTable) DIContext {
	return &symbolContext{table: table}
}

func (c *symbolContext) LineInfoForAddress(addr object.SectionedAddress) (LineInfo, error) {
	sym, ok := c.table.Lookup(addr.Address)
	if !ok {
		return LineInfo{}, fmt.Errorf("symbol for %s: %w", addr, ErrAddressNotFound)
	}
	return LineInfo{
		FunctionName: sym.Name,
		StartAddress: sym.Start,
	}, nil
}

func (c *symbolContext) InliningInfoForAddress(addr object.SectionedAddress) ([]LineInfo, error) {
	li, err := c.LineInfoForAddress(addr)
	if err != nil {
		return nil, err
	}
	return []LineInfo{li}, nil
}

func (c *symbolContext) Close() error {
	return nil
}
