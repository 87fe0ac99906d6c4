package flow

// Validate performs a full acyclicity check over the connection set,
// independent of the incremental check in Connect. It returns a *CycleError
// carrying the ordered node ids of a detected cycle, or nil.
//
// The walk keeps two distinct sets: `visited` records nodes whose entire
// subtree has been explored on any earlier traversal, while `onPath` records
// only the ancestors of the current DFS path. A cycle exists exactly when a
// neighbor already in onPath is reached again before the walk backtracks out
// of it. Consulting visited for that test instead would miss cycles or
// misreport re-convergent diamonds, so the sets are never merged.
func (f *Flow) Validate() error {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	successors := make(map[string][]string, len(f.nodes))
	for _, c := range f.conns {
		successors[c.Source.Node] = append(successors[c.Source.Node], c.Target.Node)
	}

	visited := make(map[string]bool, len(f.nodes))
	onPath := make(map[string]bool, len(f.nodes))
	var path []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		onPath[id] = true
		path = append(path, id)

		for _, next := range successors[id] {
			if onPath[next] {
				return cycleFrom(path, next)
			}
			if visited[next] {
				continue
			}
			if err := visit(next); err != nil {
				return err
			}
		}

		delete(onPath, id)
		path = path[:len(path)-1]
		visited[id] = true
		return nil
	}

	for id := range f.nodes {
		if visited[id] {
			continue
		}
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// cycleFrom slices the DFS path from the first occurrence of start and
// closes the loop for diagnostics.
func cycleFrom(path []string, start string) *CycleError {
	for i, id := range path {
		if id == start {
			cycle := make([]string, 0, len(path)-i+1)
			cycle = append(cycle, path[i:]...)
			cycle = append(cycle, start)
			return &CycleError{Path: cycle}
		}
	}
	// start is always on the path when onPath reported it.
	return &CycleError{Path: []string{start, start}}
}
