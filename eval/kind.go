package eval

import (
	nixruntime "github.com/wippyai/nix-runtime"
)

// Kind is the runtime type of a forced value. Kind queries force
// thunks first, so callers never observe an unforced kind.
type Kind int

const (
	Integer Kind = iota
	Float
	Bool
	String
	Path
	Null
	AttrSet
	List
	Function
	External
)

// kindNames feed the fixed wrong-kind message format, so these strings
// are part of the package's error contract.
var kindNames = [...]string{
	Integer:  "Integer",
	Float:    "Float",
	Bool:     "Bool",
	String:   "String",
	Path:     "Path",
	Null:     "Null",
	AttrSet:  "AttrSet",
	List:     "List",
	Function: "Function",
	External: "External",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "Unknown"
	}
	return kindNames[k]
}

// kindForTag maps the engine's raw discriminant to a Kind. TagThunk has
// no mapping; thunks are forced before this runs.
func kindForTag(tag nixruntime.KindTag) (Kind, bool) {
	switch tag {
	case nixruntime.TagInt:
		return Integer, true
	case nixruntime.TagFloat:
		return Float, true
	case nixruntime.TagBool:
		return Bool, true
	case nixruntime.TagString:
		return String, true
	case nixruntime.TagPath:
		return Path, true
	case nixruntime.TagNull:
		return Null, true
	case nixruntime.TagAttrs:
		return AttrSet, true
	case nixruntime.TagList:
		return List, true
	case nixruntime.TagFunction:
		return Function, true
	case nixruntime.TagExternal:
		return External, true
	default:
		return 0, false
	}
}
