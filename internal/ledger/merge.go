package ledger

// Merge combines a remote ledger into a local one using last-write-wins
// conflict resolution, applied independently per collection. For each remote
// entry carrying an id: absent locally, it is inserted; present locally, the
// entry with the newer update timestamp wins (an unparsable timestamp
// compares as the epoch and always loses). Entries without an id are ignored.
// The merged version prefers the remote's stated version. Neither input is
// mutated.
//
// Merging is timestamp-based only: concurrent unrelated edits are not
// detected or flagged, which is sufficient for best-effort LAN discovery but
// not for strongly-consistent multi-writer scenarios.
func Merge(local, remote *Ledger) *Ledger {
	merged := &Ledger{
		Version:   remote.Version,
		CreatedAt: local.CreatedAt,
		UpdatedAt: Now(),
	}
	if merged.Version == "" {
		merged.Version = local.Version
	}
	if merged.Version == "" {
		merged.Version = defaultVersion
	}
	if merged.CreatedAt == "" {
		merged.CreatedAt = Now()
	}

	merged.Nodes = mergeNodes(local.Nodes, remote.Nodes)
	merged.Protocols = mergeProtocols(local.Protocols, remote.Protocols)
	return merged
}

// mergeNodes keeps the local ordering for retained entries and appends
// remote-only entries in their remote order, so the result is deterministic.
func mergeNodes(local, remote []NodeEntry) []NodeEntry {
	byID := make(map[string]NodeEntry, len(local))
	order := make([]string, 0, len(local)+len(remote))

	for _, n := range local {
		if _, seen := byID[n.ID]; !seen {
			order = append(order, n.ID)
		}
		byID[n.ID] = n
	}
	for _, rn := range remote {
		if rn.ID == "" {
			continue
		}
		ln, exists := byID[rn.ID]
		if !exists {
			byID[rn.ID] = rn
			order = append(order, rn.ID)
			continue
		}
		if rn.UpdatedTime().After(ln.UpdatedTime()) {
			byID[rn.ID] = rn
		}
	}

	out := make([]NodeEntry, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func mergeProtocols(local, remote []ProtocolEntry) []ProtocolEntry {
	byID := make(map[string]ProtocolEntry, len(local))
	order := make([]string, 0, len(local)+len(remote))

	for _, p := range local {
		if _, seen := byID[p.ID]; !seen {
			order = append(order, p.ID)
		}
		byID[p.ID] = p
	}
	for _, rp := range remote {
		if rp.ID == "" {
			continue
		}
		lp, exists := byID[rp.ID]
		if !exists {
			byID[rp.ID] = rp
			order = append(order, rp.ID)
			continue
		}
		if rp.UpdatedTime().After(lp.UpdatedTime()) {
			byID[rp.ID] = rp
		}
	}

	out := make([]ProtocolEntry, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}
