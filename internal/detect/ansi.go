package detect

// stripState tracks position inside an ANSI escape sequence.
type stripState int

const (
	stateNormal stripState = iota
	stateEsc
	stateCSI
	stateOSC
	stateOSCEsc
	stateCharset
)

// Stripper removes ANSI escape sequences (CSI, SGR, OSC, charset selection,
// single-character escapes) from a byte stream. It is incremental: sequences
// split across Feed calls are handled.
type Stripper struct {
	state stripState
}

// Feed strips escape sequences from chunk and returns the printable bytes.
// Carriage returns, newlines and tabs pass through; other C0 controls are
// dropped except backspace, which is forwarded for line-level handling.
func (s *Stripper) Feed(chunk []byte) []byte {
	out := make([]byte, 0, len(chunk))
	for _, b := range chunk {
		switch s.state {
		case stateNormal:
			switch {
			case b == 0x1b:
				s.state = stateEsc
			case b == '\n' || b == '\r' || b == '\t' || b == '\b':
				out = append(out, b)
			case b < 0x20 || b == 0x7f:
				// other control bytes carry no prompt text
			default:
				out = append(out, b)
			}
		case stateEsc:
			switch b {
			case '[':
				s.state = stateCSI
			case ']':
				s.state = stateOSC
			case '(', ')':
				s.state = stateCharset
			default:
				// single-character escape (ESC M, ESC 7, ...)
				s.state = stateNormal
			}
		case stateCSI:
			// parameter and intermediate bytes are 0x20-0x3f; a final byte
			// 0x40-0x7e ends the sequence
			if b >= 0x40 && b <= 0x7e {
				s.state = stateNormal
			}
		case stateOSC:
			if b == 0x07 {
				s.state = stateNormal
			} else if b == 0x1b {
				s.state = stateOSCEsc
			}
		case stateOSCEsc:
			// ESC \ terminates an OSC string; anything else resumes it
			if b == '\\' {
				s.state = stateNormal
			} else {
				s.state = stateOSC
			}
		case stateCharset:
			s.state = stateNormal
		}
	}
	return out
}

// StripANSI strips a complete byte slice in one pass.
func StripANSI(b []byte) []byte {
	var s Stripper
	return s.Feed(b)
}
