package elf

import (
	"cmp"
	"debug/elf"
	"slices"
	"strings"
)

// GetELFSymbolsFromSymtab lists the defined function symbols of elfFile using
// the standard library reader. Tests compare SymbolTable against it.
func GetELFSymbolsFromSymtab(elfFile *elf.File) []Symbol {
	symtab, _ := elfFile.Symbols()
	dynsym, _ := elfFile.DynamicSymbols()
	var symbols []Symbol
	add := func(t []elf.Symbol) {
		for _, sym := range t {
			if sym.Value != 0 && sym.Section != elf.SHN_UNDEF && elf.ST_TYPE(sym.Info) == elf.STT_FUNC {
				symbols = append(symbols, Symbol{
					Name:  sym.Name,
					Start: sym.Value,
					Size:  sym.Size,
				})
			}
		}
	}
	add(symtab)
	add(dynsym)
	slices.SortFunc(symbols, func(a, b Symbol) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return symbols
}
