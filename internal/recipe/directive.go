package recipe

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Identifies the type of a directive.
type Kind int

const (
	KindFrom Kind = iota + 1
	KindRun
	KindCopy
	KindFlatten
	KindCmd
	KindTag
)

var kindNames = map[Kind]string{
	KindFrom:    "from",
	KindRun:     "run",
	KindCopy:    "copy",
	KindFlatten: "flatten",
	KindCmd:     "cmd",
	KindTag:     "tag",
}

// Returns the keyword used for the kind in recipe files.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Looks up a kind by its recipe keyword. Matching is case-insensitive.
func ParseKind(word string) (Kind, bool) {
	word = strings.ToLower(word)
	for k, name := range kindNames {
		if name == word {
			return k, true
		}
	}
	return 0, false
}

// Location of a directive within its recipe.
type Origin struct {
	Position int // 1-based index in the directive list.
	Line     int // Source line, or 0 when the directive did not come from a file.
}

// Returns the origin itself. Promoted into every directive type.
func (o Origin) Where() Origin {
	return o
}

func (o Origin) String() string {
	if o.Position == 0 {
		return fmt.Sprintf("line %d", o.Line)
	}
	if o.Line > 0 {
		return fmt.Sprintf("directive %d (line %d)", o.Position, o.Line)
	}
	return fmt.Sprintf("directive %d", o.Position)
}

// One parsed build step.
//
// The set of implementations is closed: [From], [Run], [Copy], [Flatten],
// [Cmd], and [Tag]. Consumers switch on the concrete type.
type Directive interface {
	Kind() Kind
	Where() Origin
	String() string
	directive()
}

// Starts the build from a base image.
type From struct {
	Origin
	Ref string // Normalized image reference (e.g., "docker.io/library/alpine:3.19").
}

// Executes a shell command inside the image, producing a layer.
type Run struct {
	Origin
	Command string // Command passed to "/bin/sh -c".
}

// Copies a path from the build context into the image.
type Copy struct {
	Origin
	Src  string // Path relative to the build context.
	Dest string // Absolute path inside the image.
}

// Collapses all layers accumulated so far into one.
type Flatten struct {
	Origin
}

// Sets the default command of the image.
type Cmd struct {
	Origin
	Command string   // Command as written.
	Argv    []string // Exec-form arguments derived from Command.
}

// Commits the image under a name. Always the last directive.
type Tag struct {
	Origin
	Name string // Normalized image reference.
}

func (From) Kind() Kind    { return KindFrom }
func (Run) Kind() Kind     { return KindRun }
func (Copy) Kind() Kind    { return KindCopy }
func (Flatten) Kind() Kind { return KindFlatten }
func (Cmd) Kind() Kind     { return KindCmd }
func (Tag) Kind() Kind     { return KindTag }

func (d From) String() string    { return "from " + d.Ref }
func (d Run) String() string     { return "run " + d.Command }
func (d Copy) String() string    { return "copy " + d.Src + " " + d.Dest }
func (d Flatten) String() string { return "flatten" }
func (d Cmd) String() string     { return "cmd " + d.Command }
func (d Tag) String() string     { return "tag " + d.Name }

func (From) directive()    {}
func (Run) directive()     {}
func (Copy) directive()    {}
func (Flatten) directive() {}
func (Cmd) directive()     {}
func (Tag) directive()     {}

// A validated, ordered sequence of directives.
//
// A Recipe is only produced by [Parse] and friends, so it always starts with
// exactly one [From], holds at most one [Cmd] and one [Flatten], and, when a
// [Tag] is present, ends with it.
type Recipe struct {
	directives []Directive
	params     map[string]string
}

// Returns a copy of the directives in execution order.
func (r *Recipe) Directives() []Directive {
	return slices.Clone(r.directives)
}

// Returns the number of directives.
func (r *Recipe) Len() int {
	return len(r.directives)
}

// Returns a copy of the parameters the recipe was resolved with.
func (r *Recipe) Params() map[string]string {
	return maps.Clone(r.params)
}

// Returns the reference of the base image.
func (r *Recipe) Base() string {
	return r.directives[0].(From).Ref
}

// Returns the final tag, if the recipe has one.
func (r *Recipe) Tag() (string, bool) {
	if t, ok := r.directives[len(r.directives)-1].(Tag); ok {
		return t.Name, true
	}
	return "", false
}
