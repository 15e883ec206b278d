package elf

import (
	"fmt"

	"github.com/ianlancetaylor/demangle"
)

// DemangleStyle selects how C++ and Rust symbol names are demangled.
type DemangleStyle string

const (
	DemangleNone       DemangleStyle = "none"
	DemangleSimplified DemangleStyle = "simplified"
	DemangleTemplates  DemangleStyle = "templates"
	DemangleFull       DemangleStyle = "full"
)

var DemangleStyles = []DemangleStyle{DemangleNone, DemangleSimplified, DemangleTemplates, DemangleFull}

func ParseDemangleStyle(s string) (DemangleStyle, error) {
	for _, style := range DemangleStyles {
		if string(style) == s {
			return style, nil
		}
	}
	return "", fmt.Errorf("unknown demangle style %q, expected one of %v", s, DemangleStyles)
}

func (d DemangleStyle) options() []demangle.Option {
	switch d {
	case DemangleSimplified:
		return []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams, demangle.NoTemplateParams}
	case DemangleTemplates:
		return []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams}
	}
	return nil
}

// Demangle returns name demangled according to d. Names that are not mangled
// are returned unchanged.
func (d DemangleStyle) Demangle(name string) string {
	if d == "" || d == DemangleNone {
		return name
	}
	return demangle.Filter(name, d.options()...)
}
