package desk

import v1 "desk/shared/contracts/desk/v1"

// mergeInto folds the previous local copy into a fresh server copy.
//
// The server copy wins for every message it contains. Local messages it does not contain are
// kept: optimistic sends the relay has not persisted yet, or newer entries from a broadcast
// that overtook this one. They are placed by Timestamp, after server messages with an equal
// one, and keep their previous relative order. An optimistic send is confirmed (and dropped
// from pending) once the server copy carries its clientMsgId.
func mergeInto(next, prev *conversation) {
	ids := make(map[string]struct{}, len(next.messages))
	cmids := make(map[string]struct{})
	for _, m := range next.messages {
		ids[m.ID] = struct{}{}
		if m.ClientMsgID != "" {
			cmids[m.ClientMsgID] = struct{}{}
		}
	}

	var extra []v1.Message
	for _, m := range prev.messages {
		if _, ok := ids[m.ID]; ok {
			continue
		}
		if m.ClientMsgID != "" {
			if _, ok := cmids[m.ClientMsgID]; ok {
				continue
			}
		}
		extra = append(extra, m)
	}
	next.messages = interleave(next.messages, extra)

	for cmid := range prev.pending {
		if _, confirmed := cmids[cmid]; confirmed {
			continue
		}
		if next.pending == nil {
			next.pending = make(map[string]struct{})
		}
		next.pending[cmid] = struct{}{}
	}
}

// interleave merges extra into server by Timestamp. Both inputs keep their relative order.
func interleave(server, extra []v1.Message) []v1.Message {
	if len(extra) == 0 {
		return server
	}
	out := make([]v1.Message, 0, len(server)+len(extra))
	i, j := 0, 0
	for i < len(server) && j < len(extra) {
		if extra[j].Timestamp.Before(server[i].Timestamp) {
			out = append(out, extra[j])
			j++
			continue
		}
		out = append(out, server[i])
		i++
	}
	out = append(out, server[i:]...)
	return append(out, extra[j:]...)
}
