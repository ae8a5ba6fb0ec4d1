package cluster

// SelectNode returns the id of the node with the fewest online users. Ties go
// to the lexicographically smallest node id so every caller picks the same node.
func SelectNode(candidates []GatewayNode) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoAvailableNode
	}
	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.OnlineCount < best.OnlineCount ||
			(candidate.OnlineCount == best.OnlineCount && candidate.NodeID < best.NodeID) {
			best = candidate
		}
	}
	return best.NodeID, nil
}
