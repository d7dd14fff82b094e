// Package recipe parses build recipes into validated directive sequences.
//
// A recipe is an ordered list of directives:
//
//	from <image-ref>
//	run <shell-command>
//	copy <src> <dest>
//	flatten
//	cmd <command>
//	tag <name>
//
// Arguments may reference parameters as ${name}. Parameters are declared in
// the recipe file ("param gover 1.9.2") or supplied by the caller, and are
// substituted before each directive is checked. Parsing is pure: a [Recipe]
// either satisfies every ordering rule or is not produced at all, and every
// failure is a [*ParseError] naming the offending directive's position.
//
// Example usage:
//
//	r, err := recipe.Load("Boxfile", map[string]string{"gover": "1.9.2"})
//	if err != nil {
//	    return err
//	}
//	for _, d := range r.Directives() {
//	    fmt.Println(d.Where(), d)
//	}
package recipe
