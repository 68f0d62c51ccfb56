package routine

import (
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

type (
	// ID identifies a routine within its defining scope. Two call sites
	// resolving to the same scope and name are the same routine. ID is
	// comparable and is used directly as a map key.
	ID struct {
		Scope string `json:"scope,omitempty"`
		Name  string `json:"name"`
	}

	Location struct {
		File string `json:"file,omitempty"`
		Line int    `json:"line,omitempty"`
	}
)

// InsertedParent stands in for the unknown caller when execution climbs
// above the first recorded frame of a context.
var InsertedParent = ID{Scope: "callprof", Name: "_inserted_parent_"}

func (id ID) IsZero() bool {
	return id.Scope == "" && id.Name == ""
}

// Fingerprint returns a stable hash of the identity. The scope is length
// prefixed so that no two identities share the same hashed bytes.
func (id ID) Fingerprint() uint64 {
	h := xxh3.New()
	_, _ = h.WriteString(strconv.Itoa(len(id.Scope)))
	_, _ = h.WriteString(":")
	_, _ = h.WriteString(id.Scope)
	_, _ = h.WriteString(id.Name)
	return h.Sum64()
}

func (id ID) String() string {
	if id.Scope == "" {
		return id.Name
	}
	return id.Scope + "#" + id.Name
}

// ParseID is the inverse of ID.String.
func ParseID(s string) ID {
	scope, name, ok := strings.Cut(s, "#")
	if !ok {
		return ID{Name: s}
	}
	return ID{Scope: scope, Name: name}
}

func (l Location) String() string {
	if l.File == "" {
		return ""
	}
	return l.File + ":" + strconv.Itoa(l.Line)
}

// Covers reports whether a routine defined at l can contain line of file.
func (l Location) Covers(file string, line int) bool {
	return l.File != "" && l.File == file && line >= l.Line
}
