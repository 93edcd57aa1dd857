package logical

// Paths contains categorizations of backend paths for special handling
// by the router.
type Paths struct {
	// Root are the API paths that require admin role to access.
	Root []string

	// Unauthenticated are the API paths that can be accessed without any
	// caller identity. These can't be regular expressions, it is either
	// exact match, a prefix match and/or a wildcard match. For prefix
	// match, append '*' as a suffix. For a wildcard match, use '+' in the
	// segment to match any identifier (e.g. 'foo/+/bar'). Note that '+'
	// can't be adjacent to a non-slash.
	Unauthenticated []string
}
