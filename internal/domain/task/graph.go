package task

// CreatesCycle reports whether adding a node id with the given deps to a
// graph closes a cycle. deps of existing nodes are looked up through edges;
// unknown ids have no outgoing edges.
func CreatesCycle(id string, deps []string, edges func(id string) []string) bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), deps...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == id {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, edges(cur)...)
	}
	return false
}
