package httpapi

// leaderHTTPAddr is identity: cmd/conregd multiplexes the Raft transport
// and the HTTP API onto the same listening socket via cmux, so a peer's
// Raft configuration address (what ForwardToLeader carries) is already
// the address this proxy should dial.
func deriveHTTPAddr(raftAddr string) string { return raftAddr }
