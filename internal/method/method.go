package method

import (
	"strconv"
	"strings"
)

type (
	// Handle is the opaque identifier the host runtime uses for a method.
	Handle uint64

	// ClassID is the opaque identifier the host runtime uses for a class.
	ClassID uint64

	QualifiedName struct {
		Class  string `json:"class"`
		Method string `json:"method"`
	}
)

func (h Handle) String() string {
	return "0x" + strconv.FormatUint(uint64(h), 16)
}

// Key returns the call key used to de-duplicate children in a call tree.
func Key(className, methodName string) string {
	return className + "." + methodName
}

func (n QualifiedName) Key() string {
	return Key(n.Class, n.Method)
}

// Placeholder is the name given to a call tree node keyed by a handle
// which hasn't been resolved yet.
func Placeholder(h Handle) string {
	return "<unresolved " + h.String() + ">"
}

// ClassNameFromSignature turns a JNI class signature like
// "Ljava/lang/String;" into "java.lang.String". Array signatures get a
// "[]" suffix per dimension. Anything else is returned with slashes
// replaced by dots.
func ClassNameFromSignature(sig string) string {
	dims := 0
	for dims < len(sig) && sig[dims] == '[' {
		dims++
	}
	name := sig[dims:]
	if len(name) >= 2 && name[0] == 'L' && name[len(name)-1] == ';' {
		name = name[1 : len(name)-1]
	} else if dims > 0 && len(name) == 1 {
		if p, ok := primitives[name[0]]; ok {
			name = p
		}
	}
	name = strings.ReplaceAll(name, "/", ".")
	return name + strings.Repeat("[]", dims)
}

var primitives = map[byte]string{
	'B': "byte",
	'C': "char",
	'D': "double",
	'F': "float",
	'I': "int",
	'J': "long",
	'S': "short",
	'Z': "boolean",
}
