package protocol

// Fragment splits an outbound message into wire lines.
//
// Messages at or under PacketSize travel as a single "F"-flagged line. A
// longer message is split around its first HeaderSize characters: every
// chunk repeats the header so recipients can reassemble by it, chunks
// before the last carry the 'T' continuation flag, and the final chunk
// carries 'F'.
func Fragment(msg string) []string {
	if len(msg) <= PacketSize {
		return []string{"F" + msg}
	}

	interval := PacketSize - HeaderSize
	header := msg[:HeaderSize]
	body := msg[HeaderSize:]

	var lines []string
	for {
		lines = append(lines, "T"+header+body[:interval])
		body = body[interval:]
		if len(body) <= interval {
			break
		}
	}
	lines = append(lines, "F"+header+body)
	return lines
}

// Reassembler accumulates 'T'-flagged fragments until an 'F'-flagged line
// arrives, reconstructing the original logical message.
//
// The shipped dispatch treats every inbound line independently; symmetric
// reassembly is an opt-in extension (the symmetric_reassembly config flag)
// because no deployed client fragments its requests.
type Reassembler struct {
	header string
	body   []byte
}

// Push feeds one raw wire line into the reassembler. It returns the
// completed logical message and true when line finishes one, or "" and
// false while more fragments are expected.
func (r *Reassembler) Push(line string) (string, bool) {
	if len(line) == 0 {
		return "", false
	}

	if line[0] == 'T' && len(line) > 1+HeaderSize {
		if r.header == "" {
			r.header = line[1 : 1+HeaderSize]
		}
		r.body = append(r.body, line[1+HeaderSize:]...)
		return "", false
	}

	// Final (or only) fragment.
	if r.header != "" && len(line) > 1+HeaderSize {
		msg := r.header + string(r.body) + line[1+HeaderSize:]
		r.reset()
		return msg, true
	}
	r.reset()
	return line[1:], true
}

func (r *Reassembler) reset() {
	r.header = ""
	r.body = r.body[:0]
}
